package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Parallelism modes for a phase plan.
const (
	ParallelismSequential = "sequential"
	ParallelismParallel   = "parallel"
)

// PhaseBudgets carries advisory per-phase resource budgets from the
// upstream phase definition.
type PhaseBudgets struct {
	Tokens       int `yaml:"tokens" json:"tokens,omitempty"`
	ToolsMinutes int `yaml:"tools_minutes" json:"tools_minutes,omitempty"`
}

// PhasePlan describes one phase of work as supplied by the upstream
// phase-definition collaborator. Timebox is an ISO 8601 duration.
type PhasePlan struct {
	Phase       string       `yaml:"phase" json:"phase"`
	PlanVersion string       `yaml:"plan_version" json:"plan_version"`
	Parallelism string       `yaml:"parallelism" json:"parallelism"`
	Agents      []string     `yaml:"agents" json:"agents,omitempty"`
	Tools       []string     `yaml:"tools" json:"tools,omitempty"`
	Budgets     PhaseBudgets `yaml:"budgets" json:"budgets"`
	Timebox     string       `yaml:"timebox" json:"timebox,omitempty"`
}

// ParsePlan decodes a YAML phase plan.
func ParsePlan(data []byte) (*PhasePlan, error) {
	var plan PhasePlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse phase plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks the plan for structural errors.
func (p *PhasePlan) Validate() error {
	if p.Phase == "" {
		return fmt.Errorf("phase plan is missing a phase name")
	}
	if p.Parallelism != ParallelismSequential && p.Parallelism != ParallelismParallel {
		return fmt.Errorf("invalid parallelism %q: must be %q or %q",
			p.Parallelism, ParallelismSequential, ParallelismParallel)
	}
	if len(p.Agents) == 0 && len(p.Tools) == 0 {
		return fmt.Errorf("phase plan %q has no agents or tools", p.Phase)
	}
	if p.Timebox != "" {
		if _, err := ParseTimebox(p.Timebox); err != nil {
			return err
		}
	}
	return nil
}

// targets flattens the plan's agents and tools, agents first, preserving
// the declared order. Sequential phases execute in this order.
func (p *PhasePlan) targets() []planTarget {
	out := make([]planTarget, 0, len(p.Agents)+len(p.Tools))
	for _, a := range p.Agents {
		out = append(out, planTarget{kind: types.TargetKindAgent, name: a})
	}
	for _, t := range p.Tools {
		out = append(out, planTarget{kind: types.TargetKindTool, name: t})
	}
	return out
}

type planTarget struct {
	kind types.TargetKind
	name string
}

// PhaseContext carries run-scoped inputs into scheduling.
type PhaseContext struct {
	RunID   types.ID        `json:"run_id"`
	PhaseID string          `json:"phase_id"`
	Phase   string          `json:"phase"`
	Inputs  json.RawMessage `json:"inputs,omitempty"`
	Budgets PhaseBudgets    `json:"budgets"`
	Timebox string          `json:"timebox,omitempty"`
}

var iso8601Duration = regexp.MustCompile(
	`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseTimebox parses an ISO 8601 duration of the PnDTnHnMnS form.
// Calendar units wider than days are rejected; a timebox spanning months
// is not a timebox.
func ParseTimebox(s string) (time.Duration, error) {
	m := iso8601Duration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}
	var d time.Duration
	if m[1] != "" {
		days, _ := strconv.Atoi(m[1])
		d += time.Duration(days) * 24 * time.Hour
	}
	if m[2] != "" {
		hours, _ := strconv.Atoi(m[2])
		d += time.Duration(hours) * time.Hour
	}
	if m[3] != "" {
		minutes, _ := strconv.Atoi(m[3])
		d += time.Duration(minutes) * time.Minute
	}
	if m[4] != "" {
		seconds, _ := strconv.ParseFloat(m[4], 64)
		d += time.Duration(seconds * float64(time.Second))
	}
	return d, nil
}
