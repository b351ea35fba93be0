package schema

// Datatype is a runtime-defined record type.
type Datatype struct {
	// Key is the unique datatype name (e.g., "post", "author").
	Key string `yaml:"key" json:"key"`

	// Version increases whenever the field composition changes.
	Version int `yaml:"version,omitempty" json:"version"`

	// Status is draft until published. Only drafts accept composition changes.
	Status Status `yaml:"status,omitempty" json:"status"`

	// Storage selects shared or dedicated backing storage.
	Storage StorageMode `yaml:"storage,omitempty" json:"storage"`

	// Fields is the ordered field composition.
	Fields []Field `yaml:"fields" json:"fields"`

	// Hooks are the datatype's own hook steps.
	Hooks HookPhaseMap `yaml:"hooks,omitempty" json:"hooks,omitempty"`

	// Contributes lists hook steps this datatype adds to other datatypes.
	Contributes []Contribution `yaml:"contributes,omitempty" json:"contributes,omitempty"`
}

// Status is the publication state of a datatype.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// StorageMode selects how entities of a datatype are stored.
type StorageMode string

const (
	// StorageSingle keeps entities in one shared collection, told apart by a
	// discriminator.
	StorageSingle StorageMode = "single"

	// StoragePerType gives the datatype its own collection.
	StoragePerType StorageMode = "perType"
)

// IsPublished reports whether the datatype has been published.
func (d Datatype) IsPublished() bool {
	return d.Status == StatusPublished
}

// Field returns the field with the given key.
func (d Datatype) Field(key string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// UniqueFields returns the fields marked unique, in declaration order.
func (d Datatype) UniqueFields() []Field {
	var out []Field
	for _, f := range d.Fields {
		if f.Unique {
			out = append(out, f)
		}
	}
	return out
}

// RefFields returns the ref fields, in declaration order.
func (d Datatype) RefFields() []Field {
	var out []Field
	for _, f := range d.Fields {
		if f.IsRef() {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a copy that shares no slices or maps with d.
func (d Datatype) Clone() Datatype {
	out := d
	out.Fields = make([]Field, len(d.Fields))
	for i, f := range d.Fields {
		f.Constraints.Values = append([]string(nil), f.Constraints.Values...)
		out.Fields[i] = f
	}
	out.Hooks = d.Hooks.clone()
	if d.Contributes != nil {
		out.Contributes = make([]Contribution, len(d.Contributes))
		for i, c := range d.Contributes {
			out.Contributes[i] = Contribution{Target: c.Target, Hooks: c.Hooks.clone()}
		}
	}
	return out
}

// Normalize fills defaults: version 1, draft status, perType storage and
// ref cardinality/on_delete.
func (d *Datatype) Normalize() {
	if d.Version <= 0 {
		d.Version = 1
	}
	if d.Status == "" {
		d.Status = StatusDraft
	}
	if d.Storage == "" {
		d.Storage = StoragePerType
	}
	for i := range d.Fields {
		d.Fields[i].normalize()
	}
}
