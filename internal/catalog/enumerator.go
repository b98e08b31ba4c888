package catalog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// Querier is the read-only slice of *sql.DB the enumerator needs.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Enumerate produces the ordered set of user objects in the given
// system database that qualify for transfer under the policy. The
// traversal is read-only and restartable: every call queries the live
// catalog, no snapshot is taken. Categories the policy excludes are
// never queried.
func Enumerate(ctx context.Context, q Querier, database string, policy Policy) ([]Descriptor, error) {
	var objects []Descriptor

	steps := []struct {
		category Category
		fetch    func(context.Context, Querier, Policy) ([]Descriptor, error)
	}{
		{CategorySchema, fetchSchemas},
		{CategoryUserDefinedType, fetchUserDefinedTypes},
		{CategoryUserDefinedTableType, fetchTableTypes},
		{CategorySequence, fetchSequences},
		{CategoryTable, fetchTables},
		{CategoryView, fetchViews},
		{CategoryDefault, fetchDefaults},
		{CategoryRule, fetchRules},
		{CategoryStoredProcedure, fetchProcedures},
		{CategoryFunction, fetchFunctions},
		{CategoryAggregate, fetchAggregates},
		{CategorySynonym, fetchSynonyms},
		{CategoryAssembly, fetchAssemblies},
		{CategoryDatabaseTrigger, fetchDatabaseTriggers},
		{CategoryTrigger, fetchTriggers},
		{CategoryRole, fetchRoles},
		{CategoryRoleMembership, fetchRoleMemberships},
		{CategoryUser, fetchUsers},
		{CategoryPermission, fetchPermissions},
	}

	for _, step := range steps {
		if !policy.Includes(step.category) {
			continue
		}
		descriptors, err := step.fetch(ctx, q, policy)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate %s objects in %s: %w", step.category, database, err)
		}
		objects = append(objects, descriptors...)
	}

	return objects, nil
}

// msShippedFilter returns the predicate excluding engine-shipped
// objects unless the policy asks for them.
func msShippedFilter(policy Policy, alias string) string {
	if policy.IncludeSystemObjects {
		return ""
	}
	return " AND " + alias + ".is_ms_shipped = 0"
}

func fetchSchemas(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	// schema_id 1-4 are dbo/guest/INFORMATION_SCHEMA/sys, 16384+ are
	// the fixed-role schemas.
	query := `
		SELECT s.name, dp.name AS owner_name
		FROM sys.schemas s
		JOIN sys.database_principals dp ON dp.principal_id = s.principal_id
		WHERE s.schema_id > 4 AND s.schema_id < 16384
		ORDER BY s.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		d.Category = CategorySchema
		if err := rows.Scan(&d.Name, &d.Owner); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func fetchUserDefinedTypes(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	query := `
		SELECT SCHEMA_NAME(t.schema_id), t.name, bt.name AS base_type,
			t.max_length, t.precision, t.scale, t.is_nullable
		FROM sys.types t
		JOIN sys.types bt ON bt.user_type_id = t.system_type_id
			AND bt.user_type_id = bt.system_type_id
		WHERE t.is_user_defined = 1 AND t.is_table_type = 0
		ORDER BY t.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		var base string
		var maxLength, precision, scale int
		var nullable bool
		if err := rows.Scan(&d.Schema, &d.Name, &base, &maxLength, &precision, &scale, &nullable); err != nil {
			return nil, err
		}
		d.Category = CategoryUserDefinedType
		d.Definition = renderBaseType(base, maxLength, precision, scale, nullable)
		out = append(out, d)
	}
	return out, rows.Err()
}

// renderBaseType renders the FROM clause of a CREATE TYPE statement.
func renderBaseType(base string, maxLength, precision, scale int, nullable bool) string {
	typeName := base
	switch base {
	case "char", "varchar", "binary", "varbinary":
		if maxLength == -1 {
			typeName = fmt.Sprintf("%s(max)", base)
		} else {
			typeName = fmt.Sprintf("%s(%d)", base, maxLength)
		}
	case "nchar", "nvarchar":
		if maxLength == -1 {
			typeName = fmt.Sprintf("%s(max)", base)
		} else {
			typeName = fmt.Sprintf("%s(%d)", base, maxLength/2)
		}
	case "decimal", "numeric":
		typeName = fmt.Sprintf("%s(%d, %d)", base, precision, scale)
	case "datetime2", "datetimeoffset", "time":
		typeName = fmt.Sprintf("%s(%d)", base, scale)
	}
	if nullable {
		return typeName + " NULL"
	}
	return typeName + " NOT NULL"
}

func fetchTableTypes(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	query := `
		SELECT SCHEMA_NAME(tt.schema_id), tt.name, tt.type_table_object_id
		FROM sys.table_types tt
		WHERE tt.is_user_defined = 1
		ORDER BY tt.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type tableType struct {
		descriptor Descriptor
		objectID   int64
	}
	var types []tableType
	for rows.Next() {
		var tt tableType
		tt.descriptor.Category = CategoryUserDefinedTableType
		if err := rows.Scan(&tt.descriptor.Schema, &tt.descriptor.Name, &tt.objectID); err != nil {
			return nil, err
		}
		types = append(types, tt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Descriptor
	for _, tt := range types {
		columns, err := fetchColumns(ctx, q, tt.objectID)
		if err != nil {
			return nil, err
		}
		tt.descriptor.Columns = columns
		out = append(out, tt.descriptor)
	}
	return out, nil
}

func fetchSequences(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	query := `
		SELECT SCHEMA_NAME(seq.schema_id), seq.name, TYPE_NAME(seq.user_type_id),
			CAST(seq.start_value AS bigint), CAST(seq.increment AS bigint),
			CAST(seq.minimum_value AS bigint), CAST(seq.maximum_value AS bigint),
			seq.is_cycling
		FROM sys.sequences seq
		WHERE 1=1` + msShippedFilter(policy, "seq") + `
		ORDER BY seq.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		var s Sequence
		d.Category = CategorySequence
		if err := rows.Scan(&d.Schema, &d.Name, &s.TypeName, &s.Start, &s.Increment, &s.Min, &s.Max, &s.Cycle); err != nil {
			return nil, err
		}
		d.Seq = &s
		out = append(out, d)
	}
	return out, rows.Err()
}

func fetchTables(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	query := `
		SELECT SCHEMA_NAME(t.schema_id), t.name, t.object_id
		FROM sys.tables t
		WHERE t.type = 'U'` + msShippedFilter(policy, "t") + `
		ORDER BY SCHEMA_NAME(t.schema_id), t.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type table struct {
		descriptor Descriptor
		objectID   int64
	}
	var tables []table
	for rows.Next() {
		var t table
		t.descriptor.Category = CategoryTable
		if err := rows.Scan(&t.descriptor.Schema, &t.descriptor.Name, &t.objectID); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Descriptor
	for _, t := range tables {
		columns, err := fetchColumns(ctx, q, t.objectID)
		if err != nil {
			return nil, err
		}
		t.descriptor.Columns = columns

		indexes, err := fetchIndexes(ctx, q, t.objectID)
		if err != nil {
			return nil, err
		}
		t.descriptor.Indexes = indexes
		out = append(out, t.descriptor)
	}
	return out, nil
}

// fetchColumns retrieves column metadata for a table or table type.
func fetchColumns(ctx context.Context, q Querier, objectID int64) ([]Column, error) {
	query := `
		SELECT c.name, ty.name AS data_type, c.max_length, c.precision, c.scale,
			ISNULL(c.collation_name, ''), c.is_nullable, c.is_identity,
			CAST(ic.seed_value AS bigint), CAST(ic.increment_value AS bigint),
			ISNULL(dc.definition, ''), ISNULL(cc.definition, '')
		FROM sys.columns c
		JOIN sys.types ty ON ty.user_type_id = c.user_type_id
		LEFT JOIN sys.identity_columns ic
			ON ic.object_id = c.object_id AND ic.column_id = c.column_id
		LEFT JOIN sys.default_constraints dc
			ON dc.parent_object_id = c.object_id AND dc.parent_column_id = c.column_id
		LEFT JOIN sys.computed_columns cc
			ON cc.object_id = c.object_id AND cc.column_id = c.column_id
		WHERE c.object_id = @p1
		ORDER BY c.column_id
	`
	rows, err := q.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		var seed, increment sql.NullInt64
		err := rows.Scan(
			&col.Name, &col.DataType, &col.MaxLength, &col.Precision, &col.Scale,
			&col.Collation, &col.Nullable, &col.Identity,
			&seed, &increment, &col.Default, &col.Computed,
		)
		if err != nil {
			return nil, err
		}
		if seed.Valid {
			col.IdentitySeed = seed.Int64
		}
		if increment.Valid {
			col.IdentityIncrement = increment.Int64
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// fetchIndexes retrieves named indexes, primary keys included, for a
// table.
func fetchIndexes(ctx context.Context, q Querier, objectID int64) ([]Index, error) {
	query := `
		SELECT i.index_id, i.name, i.is_unique, i.is_primary_key,
			CASE WHEN i.type = 1 THEN 1 ELSE 0 END AS is_clustered
		FROM sys.indexes i
		WHERE i.object_id = @p1 AND i.name IS NOT NULL AND i.is_hypothetical = 0
		ORDER BY i.index_id
	`
	rows, err := q.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type indexRow struct {
		index   Index
		indexID int64
	}
	var indexRows []indexRow
	for rows.Next() {
		var ir indexRow
		var clustered int
		if err := rows.Scan(&ir.indexID, &ir.index.Name, &ir.index.Unique, &ir.index.PrimaryKey, &clustered); err != nil {
			return nil, err
		}
		ir.index.Clustered = clustered == 1
		indexRows = append(indexRows, ir)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var indexes []Index
	for _, ir := range indexRows {
		columns, err := fetchIndexColumns(ctx, q, objectID, ir.indexID)
		if err != nil {
			return nil, err
		}
		ir.index.Columns = columns
		indexes = append(indexes, ir.index)
	}
	return indexes, nil
}

func fetchIndexColumns(ctx context.Context, q Querier, objectID, indexID int64) ([]string, error) {
	query := `
		SELECT c.name
		FROM sys.index_columns ic
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		WHERE ic.object_id = @p1 AND ic.index_id = @p2 AND ic.is_included_column = 0
		ORDER BY ic.key_ordinal
	`
	rows, err := q.QueryContext(ctx, query, objectID, indexID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// fetchModules retrieves objects whose recreation statement is their
// sys.sql_modules definition. Encrypted modules come back with an
// empty definition and are reported as generation diagnostics later.
func fetchModules(ctx context.Context, q Querier, policy Policy, category Category, typeFilter string) ([]Descriptor, error) {
	query := `
		SELECT SCHEMA_NAME(o.schema_id), o.name, ISNULL(m.definition, '')
		FROM sys.objects o
		LEFT JOIN sys.sql_modules m ON m.object_id = o.object_id
		WHERE o.type IN (` + typeFilter + `)` + msShippedFilter(policy, "o") + `
		ORDER BY SCHEMA_NAME(o.schema_id), o.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		d.Category = category
		if err := rows.Scan(&d.Schema, &d.Name, &d.Definition); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func fetchViews(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	return fetchModules(ctx, q, policy, CategoryView, "'V'")
}

func fetchDefaults(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	return fetchModules(ctx, q, policy, CategoryDefault, "'D'")
}

func fetchRules(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	return fetchModules(ctx, q, policy, CategoryRule, "'R'")
}

func fetchProcedures(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	return fetchModules(ctx, q, policy, CategoryStoredProcedure, "'P'")
}

func fetchFunctions(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	return fetchModules(ctx, q, policy, CategoryFunction, "'FN', 'IF', 'TF'")
}

func fetchAggregates(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	return fetchModules(ctx, q, policy, CategoryAggregate, "'AF'")
}

func fetchSynonyms(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	query := `
		SELECT SCHEMA_NAME(syn.schema_id), syn.name, syn.base_object_name
		FROM sys.synonyms syn
		WHERE 1=1` + msShippedFilter(policy, "syn") + `
		ORDER BY syn.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		d.Category = CategorySynonym
		if err := rows.Scan(&d.Schema, &d.Name, &d.Definition); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func fetchAssemblies(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	query := `
		SELECT a.name, dp.name AS owner_name, a.permission_set_desc, af.content
		FROM sys.assemblies a
		JOIN sys.database_principals dp ON dp.principal_id = a.principal_id
		JOIN sys.assembly_files af ON af.assembly_id = a.assembly_id AND af.file_id = 1
		WHERE a.is_user_defined = 1
		ORDER BY a.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		var content []byte
		d.Category = CategoryAssembly
		if err := rows.Scan(&d.Name, &d.Owner, &d.PermissionSet, &content); err != nil {
			return nil, err
		}
		if len(content) > 0 {
			d.Definition = "0x" + hex.EncodeToString(content)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func fetchDatabaseTriggers(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	return fetchTriggerClass(ctx, q, policy, CategoryDatabaseTrigger, 0)
}

func fetchTriggers(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	return fetchTriggerClass(ctx, q, policy, CategoryTrigger, 1)
}

// fetchTriggerClass retrieves triggers by parent class: 0 for
// database-level DDL triggers, 1 for object-level triggers.
func fetchTriggerClass(ctx context.Context, q Querier, policy Policy, category Category, parentClass int) ([]Descriptor, error) {
	query := `
		SELECT ISNULL(SCHEMA_NAME(o.schema_id), ''), tr.name,
			ISNULL(OBJECT_SCHEMA_NAME(tr.parent_id) + '.' + OBJECT_NAME(tr.parent_id), ''),
			ISNULL(m.definition, '')
		FROM sys.triggers tr
		LEFT JOIN sys.objects o ON o.object_id = tr.parent_id
		LEFT JOIN sys.sql_modules m ON m.object_id = tr.object_id
		WHERE tr.parent_class = @p1` + msShippedFilter(policy, "tr") + `
		ORDER BY tr.name
	`
	rows, err := q.QueryContext(ctx, query, parentClass)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		d.Category = category
		if err := rows.Scan(&d.Schema, &d.Name, &d.Parent, &d.Definition); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func fetchRoles(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	// public is principal_id 0; fixed roles are excluded explicitly.
	query := `
		SELECT dp.name, op.name AS owner_name
		FROM sys.database_principals dp
		JOIN sys.database_principals op ON op.principal_id = dp.owning_principal_id
		WHERE dp.type = 'R' AND dp.is_fixed_role = 0 AND dp.principal_id <> 0
		ORDER BY dp.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		d.Category = CategoryRole
		if err := rows.Scan(&d.Name, &d.Owner); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func fetchRoleMemberships(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	query := `
		SELECT rp.name AS role_name, mp.name AS member_name
		FROM sys.database_role_members drm
		JOIN sys.database_principals rp ON rp.principal_id = drm.role_principal_id
		JOIN sys.database_principals mp ON mp.principal_id = drm.member_principal_id
		WHERE rp.is_fixed_role = 0
		ORDER BY rp.name, mp.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byRole := make(map[string]*Descriptor)
	var order []string
	for rows.Next() {
		var role, member string
		if err := rows.Scan(&role, &member); err != nil {
			return nil, err
		}
		d, ok := byRole[role]
		if !ok {
			d = &Descriptor{Category: CategoryRoleMembership, Name: role}
			byRole[role] = d
			order = append(order, role)
		}
		d.Members = append(d.Members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Descriptor, 0, len(order))
	for _, role := range order {
		out = append(out, *byRole[role])
	}
	return out, nil
}

func fetchUsers(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	// principal_id 1-4 are dbo/guest/INFORMATION_SCHEMA/sys.
	query := `
		SELECT dp.name, ISNULL(dp.default_schema_name, '')
		FROM sys.database_principals dp
		WHERE dp.type IN ('S', 'U', 'G') AND dp.principal_id > 4
		ORDER BY dp.name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		d.Category = CategoryUser
		if err := rows.Scan(&d.Name, &d.Definition); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func fetchPermissions(ctx context.Context, q Querier, policy Policy) ([]Descriptor, error) {
	// class 0 = database scope, class 1 = object scope. Column-level
	// grants (minor_id <> 0) are not transferred.
	query := `
		SELECT pe.state_desc, pe.permission_name, pe.class,
			ISNULL(OBJECT_SCHEMA_NAME(pe.major_id), ''), ISNULL(OBJECT_NAME(pe.major_id), ''),
			pr.name AS grantee
		FROM sys.database_permissions pe
		JOIN sys.database_principals pr ON pr.principal_id = pe.grantee_principal_id
		WHERE pe.grantee_principal_id > 4 AND pe.class IN (0, 1) AND pe.minor_id = 0
		ORDER BY pr.name, pe.permission_name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var g Grant
		var class int
		if err := rows.Scan(&g.State, &g.Permission, &class, &g.ObjectSchema, &g.ObjectName, &g.Grantee); err != nil {
			return nil, err
		}
		if class == 0 {
			g.ObjectSchema = ""
			g.ObjectName = ""
		}
		d := Descriptor{
			Category: CategoryPermission,
			Schema:   g.ObjectSchema,
			Name:     g.Permission,
			Grant:    &g,
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
