package catalog

import "testing"

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	categories := []Category{
		CategorySchema, CategoryUserDefinedType, CategoryUserDefinedTableType,
		CategorySequence, CategoryTable, CategoryView, CategoryDefault,
		CategoryRule, CategoryStoredProcedure, CategoryFunction,
		CategoryAggregate, CategorySynonym, CategoryAssembly,
		CategoryDatabaseTrigger, CategoryTrigger, CategoryRole,
		CategoryRoleMembership, CategoryUser, CategoryPermission,
	}
	for _, category := range categories {
		if !policy.Includes(category) {
			t.Errorf("Expected default policy to include %s", category)
		}
	}

	if !policy.PreserveOwnerSchema {
		t.Error("Expected PreserveOwnerSchema = true by default")
	}
	if policy.IncludeSystemObjects {
		t.Error("Expected IncludeSystemObjects = false by default")
	}
	if policy.IncludeDependencies {
		t.Error("Expected IncludeDependencies = false by default")
	}
	if !policy.IncludePermissions {
		t.Error("Expected IncludePermissions = true by default")
	}
	if !policy.IncludeRoleMemberships {
		t.Error("Expected IncludeRoleMemberships = true by default")
	}
	if !policy.IncludeIndexes {
		t.Error("Expected IncludeIndexes = true by default")
	}
	if !policy.ContinueOnGenerationError {
		t.Error("Expected ContinueOnGenerationError = true by default")
	}
}

func TestPolicy_Includes(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*Policy)
		category Category
		want     bool
	}{
		{
			name:     "tables disabled",
			modify:   func(p *Policy) { p.Tables = false },
			category: CategoryTable,
			want:     false,
		},
		{
			name:     "views disabled",
			modify:   func(p *Policy) { p.Views = false },
			category: CategoryView,
			want:     false,
		},
		{
			name:     "procedures stay enabled when tables disabled",
			modify:   func(p *Policy) { p.Tables = false },
			category: CategoryStoredProcedure,
			want:     true,
		},
		{
			name:     "role memberships follow the cross-cutting flag",
			modify:   func(p *Policy) { p.IncludeRoleMemberships = false },
			category: CategoryRoleMembership,
			want:     false,
		},
		{
			name:     "permissions follow the cross-cutting flag",
			modify:   func(p *Policy) { p.IncludePermissions = false },
			category: CategoryPermission,
			want:     false,
		},
		{
			name:     "unknown category",
			modify:   func(p *Policy) {},
			category: Category("bogus"),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultPolicy()
			tt.modify(&policy)
			if got := policy.Includes(tt.category); got != tt.want {
				t.Errorf("Includes(%s) = %v, want %v", tt.category, got, tt.want)
			}
		})
	}
}
