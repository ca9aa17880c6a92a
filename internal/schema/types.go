package schema

// Type is the semantic type of a canonical column
type Type string

const (
	TypeString    Type = "string"
	TypeInt       Type = "int"
	TypeFloat     Type = "float"
	TypeDate      Type = "date"
	TypeTimestamp Type = "timestamp"
)

// Column is one entry of a canonical schema
type Column struct {
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	Type Type   `yaml:"type" json:"type" mapstructure:"type"`
}

// Schema is the single agreed column set a dataset's rows must conform to
// after normalization. Column order is significant.
type Schema struct {
	Columns []Column `yaml:"columns" mapstructure:"columns"`

	// NaturalKey names the column(s) that identify a real-world entity
	// (e.g. the CMS certification number) and drive deduplication.
	NaturalKey []string `yaml:"natural_key" mapstructure:"natural_key"`

	// TimestampColumn names the source timestamp used to pick the winner
	// when two rows share a natural key. Empty means batch position decides.
	TimestampColumn string `yaml:"timestamp_column" mapstructure:"timestamp_column"`
}

// Dataset describes one logical CMS table and where its raw files live.
type Dataset struct {
	Name          string `yaml:"name" mapstructure:"name"`
	SourcePattern string `yaml:"source_pattern" mapstructure:"source_pattern"`
	TargetObject  string `yaml:"target_object" mapstructure:"target_object"`

	// IncrementKey is the monotonically increasing column (timestamp or id)
	// the watermark tracker filters on. Empty disables incremental loads.
	IncrementKey string `yaml:"increment_key" mapstructure:"increment_key"`

	Schema Schema `yaml:"schema" mapstructure:"schema"`

	// Aliases maps raw source column names to canonical names, for files
	// whose headers drifted across releases.
	Aliases map[string]string `yaml:"aliases" mapstructure:"aliases"`
}

// Index returns the position of the named column, or -1.
func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IsKey reports whether the named column is part of the natural key.
func (s *Schema) IsKey(name string) bool {
	for _, k := range s.NaturalKey {
		if k == name {
			return true
		}
	}
	return false
}

// Names returns the canonical column names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}
