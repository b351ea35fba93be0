package schema

// Field defines a typed field of a datatype.
type Field struct {
	// Key is the field name. Immutable once the datatype is published.
	Key string `yaml:"key" json:"key"`

	// Type is the field type. See FieldType constants.
	Type FieldType `yaml:"type" json:"type"`

	// Required marks the field mandatory on create. Ignored for array fields.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Array makes the field hold a list of values of Type.
	Array bool `yaml:"array,omitempty" json:"array,omitempty"`

	// Unique makes the field value unique across entities of the datatype.
	Unique bool `yaml:"unique,omitempty" json:"unique,omitempty"`

	// Constraints holds the per-type validation rules.
	Constraints Constraints `yaml:"constraints,omitempty" json:"constraints,omitempty"`

	// To names the target datatype of a ref field.
	To string `yaml:"to,omitempty" json:"to,omitempty"`

	// Cardinality of a ref field. Defaults to one; many implies Array.
	Cardinality Cardinality `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`

	// OnDelete is applied to referrers when the target entity is deleted.
	OnDelete OnDelete `yaml:"on_delete,omitempty" json:"on_delete,omitempty"`
}

// FieldType represents the type of a datatype field.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeDate    FieldType = "date"
	FieldTypeEnum    FieldType = "enum" // Requires constraints.values
	FieldTypeRef     FieldType = "ref"  // Requires To
)

// Cardinality is the number of entities a ref field points to.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// OnDelete is the policy applied to referrers of a deleted entity.
type OnDelete string

const (
	OnDeleteRestrict OnDelete = "restrict"
	OnDeleteSetNull  OnDelete = "setNull"
	OnDeleteCascade  OnDelete = "cascade"
)

// Constraints holds validation rules. Only the rules relevant to the
// field type are applied.
type Constraints struct {
	MinLength       *int     `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength       *int     `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Pattern         string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Integer         bool     `yaml:"integer,omitempty" json:"integer,omitempty"`
	Min             *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max             *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Values          []string `yaml:"values,omitempty" json:"values,omitempty"`
	CaseInsensitive bool     `yaml:"case_insensitive,omitempty" json:"case_insensitive,omitempty"`
}

// IsRef reports whether the field references another datatype.
func (f Field) IsRef() bool {
	return f.Type == FieldTypeRef
}

// Many reports whether the field holds a list of values.
func (f Field) Many() bool {
	return f.Array || f.Cardinality == CardinalityMany
}

// Mandatory reports whether the field must be present on create.
func (f Field) Mandatory() bool {
	return f.Required && !f.Many()
}

// DeletePolicy returns the effective on-delete policy of a ref field.
func (f Field) DeletePolicy() OnDelete {
	if f.OnDelete == "" {
		return OnDeleteRestrict
	}
	return f.OnDelete
}

// normalize fills defaults and aligns array with cardinality for refs.
func (f *Field) normalize() {
	if f.Type != FieldTypeRef {
		return
	}
	if f.Array {
		f.Cardinality = CardinalityMany
	}
	if f.Cardinality == "" {
		f.Cardinality = CardinalityOne
	}
	if f.Cardinality == CardinalityMany {
		f.Array = true
	}
	if f.OnDelete == "" {
		f.OnDelete = OnDeleteRestrict
	}
}

func isValidFieldType(t FieldType) bool {
	switch t {
	case FieldTypeString, FieldTypeNumber, FieldTypeBoolean,
		FieldTypeDate, FieldTypeEnum, FieldTypeRef:
		return true
	default:
		return false
	}
}
