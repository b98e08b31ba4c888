package script

import (
	"fmt"
	"strings"

	"github.com/dbtoolkit/sysmigrate/internal/catalog"
)

// categoryOrder is the fixed generation order. It respects the common
// dependency direction (schemas and types before the objects using
// them, principals before grants) without being a topological sort:
// an object with an unusual cross-category dependency may still fail
// to apply, which the applier tolerates per statement.
var categoryOrder = []catalog.Category{
	catalog.CategorySchema,
	catalog.CategoryUserDefinedType,
	catalog.CategoryUserDefinedTableType,
	catalog.CategorySequence,
	catalog.CategoryTable,
	catalog.CategoryView,
	catalog.CategoryDefault,
	catalog.CategoryRule,
	catalog.CategoryStoredProcedure,
	catalog.CategoryFunction,
	catalog.CategoryAggregate,
	catalog.CategorySynonym,
	catalog.CategoryAssembly,
	catalog.CategoryDatabaseTrigger,
	catalog.CategoryTrigger,
	catalog.CategoryRole,
	catalog.CategoryRoleMembership,
	catalog.CategoryUser,
	catalog.CategoryPermission,
}

// Generate converts the enumerated object set into the ordered
// transfer script. Objects whose category the policy excludes are
// dropped. An object that cannot be rendered becomes a Diagnostic when
// ContinueOnGenerationError is set, otherwise generation aborts with a
// GenerationError and no script is produced.
func Generate(objects []catalog.Descriptor, policy catalog.Policy) (*Script, error) {
	s := &Script{}

	for _, category := range categoryOrder {
		if !policy.Includes(category) {
			continue
		}
		for _, object := range objects {
			if object.Category != category {
				continue
			}
			statements, err := render(object, policy)
			if err != nil {
				if !policy.ContinueOnGenerationError {
					return nil, err
				}
				s.Diagnostics = append(s.Diagnostics, Diagnostic{
					Category: object.Category,
					Object:   object.QualifiedName(),
					Reason:   err.Error(),
				})
				continue
			}
			s.Statements = append(s.Statements, statements...)
		}
	}

	return s, nil
}

// render produces the statement(s) recreating one object.
func render(d catalog.Descriptor, policy catalog.Policy) ([]Statement, error) {
	switch d.Category {
	case catalog.CategorySchema:
		return single(d, renderSchema(d, policy)), nil
	case catalog.CategoryUserDefinedType:
		if d.Definition == "" {
			return nil, missingDefinition(d)
		}
		sql := fmt.Sprintf("CREATE TYPE %s FROM %s", qualified(d, policy), d.Definition)
		return single(d, sql), nil
	case catalog.CategoryUserDefinedTableType:
		if len(d.Columns) == 0 {
			return nil, &GenerationError{Category: d.Category, Object: d.QualifiedName(), Reason: "no column metadata"}
		}
		sql := fmt.Sprintf("CREATE TYPE %s AS TABLE (\n%s\n)", qualified(d, policy), renderColumns(d.Columns))
		return single(d, sql), nil
	case catalog.CategorySequence:
		return single(d, renderSequence(d, policy)), nil
	case catalog.CategoryTable:
		return renderTable(d, policy)
	case catalog.CategoryView, catalog.CategoryDefault, catalog.CategoryRule,
		catalog.CategoryStoredProcedure, catalog.CategoryFunction,
		catalog.CategoryAggregate, catalog.CategoryDatabaseTrigger,
		catalog.CategoryTrigger:
		// Module-backed objects replay their catalog definition as-is.
		// Encrypted modules have no retrievable definition.
		if d.Definition == "" {
			return nil, missingDefinition(d)
		}
		return single(d, strings.TrimSpace(d.Definition)), nil
	case catalog.CategorySynonym:
		if d.Definition == "" {
			return nil, missingDefinition(d)
		}
		sql := fmt.Sprintf("CREATE SYNONYM %s FOR %s", qualified(d, policy), d.Definition)
		return single(d, sql), nil
	case catalog.CategoryAssembly:
		return renderAssembly(d, policy)
	case catalog.CategoryRole:
		return single(d, renderRole(d, policy)), nil
	case catalog.CategoryRoleMembership:
		return renderRoleMembership(d), nil
	case catalog.CategoryUser:
		return single(d, renderUser(d)), nil
	case catalog.CategoryPermission:
		return renderPermission(d)
	}
	return nil, &GenerationError{Category: d.Category, Object: d.QualifiedName(), Reason: "unknown object category"}
}

func single(d catalog.Descriptor, sql string) []Statement {
	return []Statement{{Category: d.Category, Object: d.QualifiedName(), SQL: sql}}
}

func missingDefinition(d catalog.Descriptor) error {
	return &GenerationError{Category: d.Category, Object: d.QualifiedName(), Reason: "definition could not be resolved"}
}

// quote brackets an identifier, escaping closing brackets.
func quote(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// qualified returns the schema-qualified quoted object name. When the
// policy does not preserve the owning schema, objects are rebound to
// dbo.
func qualified(d catalog.Descriptor, policy catalog.Policy) string {
	schema := d.Schema
	if !policy.PreserveOwnerSchema || schema == "" {
		schema = "dbo"
	}
	return quote(schema) + "." + quote(d.Name)
}

func renderSchema(d catalog.Descriptor, policy catalog.Policy) string {
	if policy.PreserveOwnerSchema && d.Owner != "" {
		return fmt.Sprintf("CREATE SCHEMA %s AUTHORIZATION %s", quote(d.Name), quote(d.Owner))
	}
	return fmt.Sprintf("CREATE SCHEMA %s", quote(d.Name))
}

func renderSequence(d catalog.Descriptor, policy catalog.Policy) string {
	seq := d.Seq
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE SEQUENCE %s", qualified(d, policy))
	if seq == nil {
		return b.String()
	}
	if seq.TypeName != "" {
		fmt.Fprintf(&b, " AS %s", quote(seq.TypeName))
	}
	fmt.Fprintf(&b, " START WITH %d INCREMENT BY %d MINVALUE %d MAXVALUE %d", seq.Start, seq.Increment, seq.Min, seq.Max)
	if seq.Cycle {
		b.WriteString(" CYCLE")
	} else {
		b.WriteString(" NO CYCLE")
	}
	return b.String()
}

// renderDataType renders the type portion of a column declaration.
func renderDataType(c catalog.Column) string {
	switch c.DataType {
	case "char", "varchar", "binary", "varbinary":
		if c.MaxLength == -1 {
			return fmt.Sprintf("%s(max)", c.DataType)
		}
		return fmt.Sprintf("%s(%d)", c.DataType, c.MaxLength)
	case "nchar", "nvarchar":
		if c.MaxLength == -1 {
			return fmt.Sprintf("%s(max)", c.DataType)
		}
		return fmt.Sprintf("%s(%d)", c.DataType, c.MaxLength/2)
	case "decimal", "numeric":
		return fmt.Sprintf("%s(%d, %d)", c.DataType, c.Precision, c.Scale)
	case "datetime2", "datetimeoffset", "time":
		return fmt.Sprintf("%s(%d)", c.DataType, c.Scale)
	}
	return c.DataType
}

func renderColumn(c catalog.Column) string {
	if c.Computed != "" {
		return fmt.Sprintf("%s AS %s", quote(c.Name), c.Computed)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", quote(c.Name), renderDataType(c))
	if c.Identity {
		fmt.Fprintf(&b, " IDENTITY(%d, %d)", c.IdentitySeed, c.IdentityIncrement)
	}
	if c.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		fmt.Fprintf(&b, " DEFAULT %s", c.Default)
	}
	return b.String()
}

func renderColumns(columns []catalog.Column) string {
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		parts = append(parts, "\t"+renderColumn(c))
	}
	return strings.Join(parts, ",\n")
}

func quoteColumnList(columns []string) string {
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		parts = append(parts, quote(c))
	}
	return strings.Join(parts, ", ")
}

func renderTable(d catalog.Descriptor, policy catalog.Policy) ([]Statement, error) {
	if len(d.Columns) == 0 {
		return nil, &GenerationError{Category: d.Category, Object: d.QualifiedName(), Reason: "no column metadata"}
	}

	name := qualified(d, policy)
	parts := []string{renderColumns(d.Columns)}
	for _, idx := range d.Indexes {
		if !idx.PrimaryKey {
			continue
		}
		kind := "NONCLUSTERED"
		if idx.Clustered {
			kind = "CLUSTERED"
		}
		parts = append(parts, fmt.Sprintf("\tCONSTRAINT %s PRIMARY KEY %s (%s)", quote(idx.Name), kind, quoteColumnList(idx.Columns)))
	}

	statements := []Statement{{
		Category: d.Category,
		Object:   d.QualifiedName(),
		SQL:      fmt.Sprintf("CREATE TABLE %s (\n%s\n)", name, strings.Join(parts, ",\n")),
	}}

	if policy.IncludeIndexes {
		for _, idx := range d.Indexes {
			if idx.PrimaryKey {
				continue
			}
			var b strings.Builder
			b.WriteString("CREATE ")
			if idx.Unique {
				b.WriteString("UNIQUE ")
			}
			if idx.Clustered {
				b.WriteString("CLUSTERED ")
			} else {
				b.WriteString("NONCLUSTERED ")
			}
			fmt.Fprintf(&b, "INDEX %s ON %s (%s)", quote(idx.Name), name, quoteColumnList(idx.Columns))
			statements = append(statements, Statement{
				Category: d.Category,
				Object:   d.QualifiedName() + "." + idx.Name,
				SQL:      b.String(),
			})
		}
	}

	return statements, nil
}

func renderAssembly(d catalog.Descriptor, policy catalog.Policy) ([]Statement, error) {
	if d.Definition == "" {
		return nil, missingDefinition(d)
	}
	permissionSet := d.PermissionSet
	if permissionSet == "" {
		permissionSet = "SAFE"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE ASSEMBLY %s", quote(d.Name))
	if policy.PreserveOwnerSchema && d.Owner != "" {
		fmt.Fprintf(&b, " AUTHORIZATION %s", quote(d.Owner))
	}
	fmt.Fprintf(&b, " FROM %s WITH PERMISSION_SET = %s", d.Definition, permissionSet)
	return single(d, b.String()), nil
}

func renderRole(d catalog.Descriptor, policy catalog.Policy) string {
	if policy.PreserveOwnerSchema && d.Owner != "" && d.Owner != "dbo" {
		return fmt.Sprintf("CREATE ROLE %s AUTHORIZATION %s", quote(d.Name), quote(d.Owner))
	}
	return fmt.Sprintf("CREATE ROLE %s", quote(d.Name))
}

func renderRoleMembership(d catalog.Descriptor) []Statement {
	statements := make([]Statement, 0, len(d.Members))
	for _, member := range d.Members {
		statements = append(statements, Statement{
			Category: d.Category,
			Object:   d.Name + ":" + member,
			SQL:      fmt.Sprintf("ALTER ROLE %s ADD MEMBER %s", quote(d.Name), quote(member)),
		})
	}
	return statements
}

func renderUser(d catalog.Descriptor) string {
	// Definition carries the default schema when the user has one.
	if d.Definition != "" {
		return fmt.Sprintf("CREATE USER %s FOR LOGIN %s WITH DEFAULT_SCHEMA = %s", quote(d.Name), quote(d.Name), quote(d.Definition))
	}
	return fmt.Sprintf("CREATE USER %s FOR LOGIN %s", quote(d.Name), quote(d.Name))
}

func renderPermission(d catalog.Descriptor) ([]Statement, error) {
	g := d.Grant
	if g == nil {
		return nil, &GenerationError{Category: d.Category, Object: d.QualifiedName(), Reason: "no grant metadata"}
	}

	verb := "GRANT"
	suffix := ""
	switch g.State {
	case "GRANT":
	case "DENY":
		verb = "DENY"
	case "GRANT_WITH_GRANT_OPTION":
		suffix = " WITH GRANT OPTION"
	default:
		return nil, &GenerationError{Category: d.Category, Object: d.QualifiedName(), Reason: "unsupported permission state " + g.State}
	}

	var sql string
	if g.ObjectName != "" {
		sql = fmt.Sprintf("%s %s ON OBJECT::%s.%s TO %s%s", verb, g.Permission, quote(g.ObjectSchema), quote(g.ObjectName), quote(g.Grantee), suffix)
	} else {
		sql = fmt.Sprintf("%s %s TO %s%s", verb, g.Permission, quote(g.Grantee), suffix)
	}

	object := g.Permission + "->" + g.Grantee
	if g.ObjectName != "" {
		object = g.ObjectSchema + "." + g.ObjectName + ":" + object
	}
	return []Statement{{Category: d.Category, Object: object, SQL: sql}}, nil
}
