package schema

// HookPhase names a point in an operation where hook steps run.
type HookPhase string

const (
	BeforeCreate HookPhase = "beforeCreate"
	AfterCreate  HookPhase = "afterCreate"
	BeforeGet    HookPhase = "beforeGet"
	AfterGet     HookPhase = "afterGet"
	BeforeUpdate HookPhase = "beforeUpdate"
	AfterUpdate  HookPhase = "afterUpdate"
	BeforeDelete HookPhase = "beforeDelete"
	AfterDelete  HookPhase = "afterDelete"
	BeforeList   HookPhase = "beforeList"
	AfterList    HookPhase = "afterList"
)

// Phases lists every hook phase.
var Phases = []HookPhase{
	BeforeCreate, AfterCreate,
	BeforeGet, AfterGet,
	BeforeUpdate, AfterUpdate,
	BeforeDelete, AfterDelete,
	BeforeList, AfterList,
}

// IsBefore reports whether the phase runs before the storage operation.
func (p HookPhase) IsBefore() bool {
	return len(p) > 6 && p[:6] == "before"
}

// IsValid reports whether p is a known phase.
func (p HookPhase) IsValid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// HookStep is a single hook invocation: an action id and its arguments.
type HookStep struct {
	Action string         `yaml:"action" json:"action"`
	Args   map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// HookPhaseMap maps phases to ordered steps.
type HookPhaseMap map[HookPhase][]HookStep

// Contribution adds hook steps to another datatype.
type Contribution struct {
	Target string       `yaml:"target" json:"target"`
	Hooks  HookPhaseMap `yaml:"hooks" json:"hooks"`
}

func (m HookPhaseMap) clone() HookPhaseMap {
	if m == nil {
		return nil
	}
	out := make(HookPhaseMap, len(m))
	for phase, steps := range m {
		out[phase] = append([]HookStep(nil), steps...)
	}
	return out
}
