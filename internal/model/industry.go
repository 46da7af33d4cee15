package model

// IndustryLevel is the depth of a node in the industry ontology.
type IndustryLevel string

const (
	LevelSector      IndustryLevel = "sector"
	LevelIndustry    IndustryLevel = "industry"
	LevelSubindustry IndustryLevel = "subindustry"
)

// Depth returns 0 for sectors, 1 for industries and 2 for sub-industries.
func (l IndustryLevel) Depth() int {
	switch l {
	case LevelSector:
		return 0
	case LevelIndustry:
		return 1
	case LevelSubindustry:
		return 2
	default:
		return -1
	}
}

// IndustryNode is one entry of the static industry ontology.
type IndustryNode struct {
	Name     string        `json:"name" yaml:"name"`
	Level    IndustryLevel `json:"level" yaml:"level"`
	Parent   string        `json:"parent,omitempty" yaml:"parent"`
	Keywords []string      `json:"keywords" yaml:"keywords"`
}
