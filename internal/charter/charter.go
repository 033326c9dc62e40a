// Package charter loads and validates the YAML configuration for one
// control. A charter names the source file patterns, the derive/merge/group
// instructions and the constraint rules that decide which candidate groups
// release.
package charter

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/GrandmasterTash/openrec/internal/datatype"
)

// Defaults applied when the charter omits the tuning fields.
const (
	DefaultGroupLimit  = 1000
	DefaultMemoryLimit = 50 * 1024 * 1024
)

// Charter is the parsed configuration for one control.
type Charter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Version     uint64   `yaml:"version"` // Epoch millis at UTC.
	Debug       bool     `yaml:"debug,omitempty"`
	GlobalLua   string   `yaml:"global_lua,omitempty"`
	MemoryLimit int      `yaml:"memory_limit,omitempty"`
	Matching    Matching `yaml:"matching"`
}

// Matching holds the per-job matching configuration.
type Matching struct {
	SourceFiles      []SourceFile  `yaml:"source_files"`
	UseFieldPrefixes *bool         `yaml:"use_field_prefixes,omitempty"`
	Instructions     []Instruction `yaml:"instructions,omitempty"`
	GroupSizeLimit   int           `yaml:"group_size_limit,omitempty"`
	ArchiveFiles     *bool         `yaml:"archive_files,omitempty"`
}

// SourceFile names a filename pattern and the prefix its columns carry when
// multiple sources feed one grid.
type SourceFile struct {
	Pattern     string `yaml:"pattern"`
	FieldPrefix string `yaml:"field_prefix,omitempty"`
}

// Instruction is one step of the matching pipeline: exactly one of Project,
// Merge or Group is set.
type Instruction struct {
	Project *Project `yaml:"project,omitempty"`
	Merge   *Merge   `yaml:"merge,omitempty"`
	Group   *Group   `yaml:"group,omitempty"`
}

// Project derives a new column by evaluating a script for every record.
type Project struct {
	Column string            `yaml:"column"`
	AsType datatype.DataType `yaml:"as_a"`
	From   string            `yaml:"from"`
	When   string            `yaml:"when,omitempty"`
}

// Merge coalesces the first non-blank value from the listed columns.
type Merge struct {
	Into    string   `yaml:"into"`
	Columns []string `yaml:"columns"`
}

// Group sorts the live records by the key columns and evaluates constraints
// against every candidate group.
type Group struct {
	By        []string     `yaml:"by"`
	MatchWhen []Constraint `yaml:"match_when"`
}

// ToleranceType selects how NetsWithTolerance interprets its tolerance.
type ToleranceType string

const (
	ToleranceAmount  ToleranceType = "Amount"
	TolerancePercent ToleranceType = "Percent"
)

// Constraint is one rule evaluated against a candidate group: exactly one of
// NetsToZero, NetsWithTolerance or Custom is set.
type Constraint struct {
	NetsToZero        *NetsToZero        `yaml:"nets_to_zero,omitempty"`
	NetsWithTolerance *NetsWithTolerance `yaml:"nets_with_tolerance,omitempty"`
	Custom            *Custom            `yaml:"custom,omitempty"`
}

// NetsToZero passes when the magnitudes of the lhs and rhs sums cancel
// exactly and both sides are populated.
type NetsToZero struct {
	Column string `yaml:"column"`
	Lhs    string `yaml:"lhs"`
	Rhs    string `yaml:"rhs"`
}

// NetsWithTolerance is NetsToZero with an allowed difference, absolute or as
// a percentage of the rhs sum.
type NetsWithTolerance struct {
	Column    string        `yaml:"column"`
	Lhs       string        `yaml:"lhs"`
	Rhs       string        `yaml:"rhs"`
	TolType   ToleranceType `yaml:"tol_type"`
	Tolerance string        `yaml:"tolerance"`
}

// Custom evaluates a user script against the whole group. AvailableFields
// restricts which columns are materialised into the script records.
type Custom struct {
	Script          string   `yaml:"script"`
	AvailableFields []string `yaml:"available_fields,omitempty"`
}

// Load reads, decodes and validates a charter file.
func Load(path string) (*Charter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read charter %s: %w", path, err)
	}

	if err := Validate(raw); err != nil {
		return nil, fmt.Errorf("charter %s: %w", path, err)
	}

	var c Charter
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("cannot parse charter %s: %w", path, err)
	}

	if c.MemoryLimit == 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.Matching.GroupSizeLimit == 0 {
		c.Matching.GroupSizeLimit = DefaultGroupLimit
	}

	if err := c.check(); err != nil {
		return nil, fmt.Errorf("charter %s: %w", path, err)
	}
	return &c, nil
}

// UseFieldPrefixes defaults to true: with several sources, unprefixed
// column names could collide.
func (c *Charter) UseFieldPrefixes() bool {
	if c.Matching.UseFieldPrefixes == nil {
		return true
	}
	return *c.Matching.UseFieldPrefixes
}

// ArchiveFiles defaults to true.
func (c *Charter) ArchiveFiles() bool {
	if c.Matching.ArchiveFiles == nil {
		return true
	}
	return *c.Matching.ArchiveFiles
}

// check applies the structural rules the CUE schema cannot express.
func (c *Charter) check() error {
	if len(c.Matching.SourceFiles) == 0 {
		return fmt.Errorf("matching.source_files must name at least one pattern")
	}

	prefixed := 0
	seen := map[string]bool{}
	for _, sf := range c.Matching.SourceFiles {
		if sf.FieldPrefix == "" {
			continue
		}
		prefixed++
		if sf.FieldPrefix == "META" {
			return fmt.Errorf("field_prefix %q is reserved", sf.FieldPrefix)
		}
		if seen[sf.FieldPrefix] {
			return fmt.Errorf("duplicate field_prefix %q", sf.FieldPrefix)
		}
		seen[sf.FieldPrefix] = true
	}
	if prefixed > 0 && prefixed != len(c.Matching.SourceFiles) {
		return fmt.Errorf("field_prefix must be set for every source file or none")
	}

	for i, inst := range c.Matching.Instructions {
		if err := inst.check(); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	return nil
}

func (inst *Instruction) check() error {
	set := 0
	if inst.Project != nil {
		set++
	}
	if inst.Merge != nil {
		set++
	}
	if inst.Group != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of project, merge or group must be set")
	}

	if g := inst.Group; g != nil {
		if len(g.By) == 0 {
			return fmt.Errorf("group.by must name at least one column")
		}
		for j, con := range g.MatchWhen {
			set := 0
			if con.NetsToZero != nil {
				set++
			}
			if con.NetsWithTolerance != nil {
				set++
			}
			if con.Custom != nil {
				set++
			}
			if set != 1 {
				return fmt.Errorf("constraint %d: exactly one rule kind must be set", j)
			}
			if nwt := con.NetsWithTolerance; nwt != nil {
				if nwt.TolType != ToleranceAmount && nwt.TolType != TolerancePercent {
					return fmt.Errorf("constraint %d: tol_type must be Amount or Percent", j)
				}
			}
		}
	}
	return nil
}
