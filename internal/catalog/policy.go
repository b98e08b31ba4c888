package catalog

// Category identifies a class of schema object used as the unit of
// policy inclusion.
type Category string

const (
	CategorySchema               Category = "schema"
	CategoryUserDefinedType      Category = "user_defined_type"
	CategoryUserDefinedTableType Category = "user_defined_table_type"
	CategorySequence             Category = "sequence"
	CategoryTable                Category = "table"
	CategoryView                 Category = "view"
	CategoryDefault              Category = "default"
	CategoryRule                 Category = "rule"
	CategoryStoredProcedure      Category = "stored_procedure"
	CategoryFunction             Category = "function"
	CategoryAggregate            Category = "aggregate"
	CategorySynonym              Category = "synonym"
	CategoryAssembly             Category = "assembly"
	CategoryDatabaseTrigger      Category = "database_trigger"
	CategoryTrigger              Category = "trigger"
	CategoryRole                 Category = "role"
	CategoryRoleMembership       Category = "role_membership"
	CategoryUser                 Category = "user"
	CategoryPermission           Category = "permission"
)

// Policy enumerates, per object category, whether that category is
// included in a transfer, plus the cross-cutting generation flags.
// A Policy is constructed once per invocation and treated as immutable.
type Policy struct {
	Schemas               bool
	UserDefinedTypes      bool
	UserDefinedTableTypes bool
	Sequences             bool
	Tables                bool
	Views                 bool
	Defaults              bool
	Rules                 bool
	StoredProcedures      bool
	Functions             bool
	Aggregates            bool
	Synonyms              bool
	Assemblies            bool
	DatabaseTriggers      bool
	Triggers              bool
	Roles                 bool
	Users                 bool

	// PreserveOwnerSchema keeps each object bound to its original
	// owning schema/principal instead of rebinding to dbo.
	PreserveOwnerSchema bool

	// IncludeSystemObjects lifts the is_ms_shipped filter so built-in
	// objects are enumerated too.
	IncludeSystemObjects bool

	// IncludeDependencies controls whether generation walks beyond the
	// explicitly selected objects. The engine never computes a closure;
	// the flag exists so a disabled value is an explicit decision.
	IncludeDependencies bool

	IncludePermissions     bool
	IncludeRoleMemberships bool
	IncludeIndexes         bool

	// ContinueOnGenerationError skips objects whose definition cannot
	// be scripted instead of aborting the whole database pass.
	ContinueOnGenerationError bool
}

// DefaultPolicy returns the policy used when the caller supplies no
// overrides: every category enabled, system objects excluded,
// dependency closure disabled, permissions and role memberships and
// indexes included, generation errors tolerated.
func DefaultPolicy() Policy {
	return Policy{
		Schemas:               true,
		UserDefinedTypes:      true,
		UserDefinedTableTypes: true,
		Sequences:             true,
		Tables:                true,
		Views:                 true,
		Defaults:              true,
		Rules:                 true,
		StoredProcedures:      true,
		Functions:             true,
		Aggregates:            true,
		Synonyms:              true,
		Assemblies:            true,
		DatabaseTriggers:      true,
		Triggers:              true,
		Roles:                 true,
		Users:                 true,

		PreserveOwnerSchema:       true,
		IncludeSystemObjects:      false,
		IncludeDependencies:       false,
		IncludePermissions:        true,
		IncludeRoleMemberships:    true,
		IncludeIndexes:            true,
		ContinueOnGenerationError: true,
	}
}

// Includes reports whether the given category is selected by the
// policy. Role memberships and permissions are governed by their
// cross-cutting flags rather than a category boolean.
func (p Policy) Includes(c Category) bool {
	switch c {
	case CategorySchema:
		return p.Schemas
	case CategoryUserDefinedType:
		return p.UserDefinedTypes
	case CategoryUserDefinedTableType:
		return p.UserDefinedTableTypes
	case CategorySequence:
		return p.Sequences
	case CategoryTable:
		return p.Tables
	case CategoryView:
		return p.Views
	case CategoryDefault:
		return p.Defaults
	case CategoryRule:
		return p.Rules
	case CategoryStoredProcedure:
		return p.StoredProcedures
	case CategoryFunction:
		return p.Functions
	case CategoryAggregate:
		return p.Aggregates
	case CategorySynonym:
		return p.Synonyms
	case CategoryAssembly:
		return p.Assemblies
	case CategoryDatabaseTrigger:
		return p.DatabaseTriggers
	case CategoryTrigger:
		return p.Triggers
	case CategoryRole:
		return p.Roles
	case CategoryRoleMembership:
		return p.IncludeRoleMemberships
	case CategoryUser:
		return p.Users
	case CategoryPermission:
		return p.IncludePermissions
	}
	return false
}
