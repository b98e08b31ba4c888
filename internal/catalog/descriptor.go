package catalog

// Column describes one table or table-type column.
type Column struct {
	Name              string
	DataType          string
	MaxLength         int
	Precision         int
	Scale             int
	Collation         string
	Nullable          bool
	Identity          bool
	IdentitySeed      int64
	IdentityIncrement int64
	Default           string
	Computed          string
}

// Index describes one index on a table. Primary keys travel with the
// table itself; other indexes are gated by the IncludeIndexes flag.
type Index struct {
	Name       string
	Unique     bool
	PrimaryKey bool
	Clustered  bool
	Columns    []string
}

// Sequence carries the numeric properties of a sequence object.
type Sequence struct {
	TypeName  string
	Start     int64
	Increment int64
	Min       int64
	Max       int64
	Cycle     bool
}

// Grant describes one database- or object-scoped permission.
type Grant struct {
	// State is GRANT, DENY or GRANT_WITH_GRANT_OPTION as reported by
	// sys.database_permissions.state_desc.
	State        string
	Permission   string
	ObjectSchema string // empty for database-scoped permissions
	ObjectName   string
	Grantee      string
}

// Descriptor is one enumerated source object. Only the fields relevant
// to the object's category are populated: Definition carries module
// text for views/procedures/functions/triggers/rules/defaults, the
// base object name for synonyms, the rendered base type for
// user-defined types, the hex blob for assemblies and the default
// schema for users.
type Descriptor struct {
	Category Category
	Schema   string
	Name     string
	Owner    string

	Definition    string
	PermissionSet string // assemblies only

	Columns []Column
	Indexes []Index
	Seq     *Sequence
	Members []string // role memberships: member principals of role Name
	Grant   *Grant

	// Parent is the schema-qualified parent object of an object-level
	// trigger.
	Parent string
}

// QualifiedName returns the display label for the object, schema
// qualified when the object lives in a schema.
func (d Descriptor) QualifiedName() string {
	if d.Schema == "" {
		return d.Name
	}
	return d.Schema + "." + d.Name
}
