// Package pipedef defines the YAML pipeline document and validates its
// shape at the boundary, so the resolver and dispatcher never see a
// malformed definition.
package pipedef

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	APIVersionV1 = "v1"
	KindPipeline = "Pipeline"

	FailurePolicyHalt     = "halt"
	FailurePolicyContinue = "continue"
)

// Definition models the root pipeline document.
type Definition struct {
	Schema        string   `yaml:"$schema,omitempty" json:"$schema,omitempty"`
	APIVersion    string   `yaml:"apiVersion" json:"apiVersion"`
	Kind          string   `yaml:"kind" json:"kind"`
	Metadata      Metadata `yaml:"metadata" json:"metadata"`
	Trigger       *Trigger `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	FailurePolicy string   `yaml:"failurePolicy,omitempty" json:"failurePolicy,omitempty"`
	Stages        []Stage  `yaml:"stages" json:"stages"`
}

// Metadata contains descriptive data for the pipeline.
type Metadata struct {
	Name   string            `yaml:"name" json:"name"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Trigger defines an optional cron schedule for the pipeline.
type Trigger struct {
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`
}

// Stage defines one pipeline stage. DependsOn may only reference
// stages declared in the same document.
type Stage struct {
	Name      string            `yaml:"name" json:"name"`
	DependsOn []string          `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Gate      *Gate             `yaml:"gate,omitempty" json:"gate,omitempty"`
}

// Gate marks a stage as blocking on human approval.
type Gate struct {
	RequiredRole string        `yaml:"requiredRole,omitempty" json:"requiredRole,omitempty"`
	Approvers    []string      `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	MinApprovals int           `yaml:"minApprovals,omitempty" json:"minApprovals,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// UnmarshalYAML sets defaults while deserialising a gate.
func (g *Gate) UnmarshalYAML(value *yaml.Node) error {
	type rawGate struct {
		RequiredRole string   `yaml:"requiredRole"`
		Approvers    []string `yaml:"approvers"`
		MinApprovals int      `yaml:"minApprovals"`
		Timeout      string   `yaml:"timeout"`
	}
	var rg rawGate
	if err := value.Decode(&rg); err != nil {
		return err
	}

	g.RequiredRole = rg.RequiredRole
	g.Approvers = rg.Approvers
	g.MinApprovals = rg.MinApprovals
	if g.MinApprovals == 0 {
		g.MinApprovals = 1
	}
	if rg.Timeout != "" {
		timeout, err := time.ParseDuration(rg.Timeout)
		if err != nil {
			return fmt.Errorf("gate timeout: %w", err)
		}
		g.Timeout = timeout
	}
	return nil
}

// MarshalJSON keeps the timeout as a duration string so a stored
// definition parses back the same way the authored YAML does.
func (g Gate) MarshalJSON() ([]byte, error) {
	type jsonGate struct {
		RequiredRole string   `json:"requiredRole,omitempty"`
		Approvers    []string `json:"approvers,omitempty"`
		MinApprovals int      `json:"minApprovals,omitempty"`
		Timeout      string   `json:"timeout,omitempty"`
	}
	jg := jsonGate{
		RequiredRole: g.RequiredRole,
		Approvers:    g.Approvers,
		MinApprovals: g.MinApprovals,
	}
	if g.Timeout > 0 {
		jg.Timeout = g.Timeout.String()
	}
	return json.Marshal(jg)
}

// Canonical returns the JSON form of a definition. It round-trips
// through Parse, which also accepts JSON input.
func (d *Definition) Canonical() ([]byte, error) {
	return json.Marshal(d)
}

// Parse parses YAML bytes into a validated Definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate performs semantic validation on the definition.
func (d *Definition) Validate() error {
	if d.APIVersion != APIVersionV1 {
		return fmt.Errorf("unsupported apiVersion: %s", d.APIVersion)
	}
	if d.Kind != KindPipeline {
		return fmt.Errorf("unsupported kind: %s", d.Kind)
	}
	if strings.TrimSpace(d.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name is required")
	}

	switch d.FailurePolicy {
	case "", FailurePolicyHalt, FailurePolicyContinue:
	default:
		return fmt.Errorf("failurePolicy must be one of [%s,%s]",
			FailurePolicyHalt, FailurePolicyContinue)
	}

	if len(d.Stages) == 0 {
		return fmt.Errorf("stages must contain at least one entry")
	}
	return validateStages(d.Stages)
}

func validateStages(stages []Stage) error {
	names := make(map[string]struct{}, len(stages))
	for i := range stages {
		stage := &stages[i]
		if strings.TrimSpace(stage.Name) == "" {
			return fmt.Errorf("stages[%d].name is required", i)
		}
		if _, exists := names[stage.Name]; exists {
			return fmt.Errorf("duplicate stage name %q", stage.Name)
		}
		names[stage.Name] = struct{}{}

		if stage.Gate != nil {
			if stage.Gate.MinApprovals < 1 {
				stage.Gate.MinApprovals = 1
			}
			if len(stage.Gate.Approvers) > 0 &&
				stage.Gate.MinApprovals > len(stage.Gate.Approvers) {
				return fmt.Errorf(
					"stage %q gate requires %d approvals from %d approvers",
					stage.Name, stage.Gate.MinApprovals, len(stage.Gate.Approvers))
			}
		}
	}

	for i := range stages {
		for _, dep := range stages[i].DependsOn {
			if _, ok := names[dep]; !ok {
				return fmt.Errorf(
					"stage %q depends on undeclared stage %q",
					stages[i].Name, dep)
			}
			if dep == stages[i].Name {
				return fmt.Errorf("stage %q depends on itself", stages[i].Name)
			}
		}
	}
	return nil
}

// Policy returns the effective failure policy, defaulting to halt.
func (d *Definition) Policy() string {
	if d.FailurePolicy == FailurePolicyContinue {
		return FailurePolicyContinue
	}
	return FailurePolicyHalt
}

// StageByName returns the named stage, or nil.
func (d *Definition) StageByName(name string) *Stage {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i]
		}
	}
	return nil
}
