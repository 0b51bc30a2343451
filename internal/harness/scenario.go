package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of the engine: agents with fixed behavior,
// a list of steps, and assertions over the resulting ledger.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Policy is CUE source for the governance policy. Empty uses
	// DefaultPolicy.
	Policy string `yaml:"policy,omitempty"`

	// ReportTimeout overrides the policy's report timeout.
	ReportTimeout Duration `yaml:"report_timeout,omitempty"`

	// Agents scripts the executor of each agent. Agents named by a
	// SubUnit but absent here report successfully.
	Agents map[string]AgentScript `yaml:"agents,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Agent behaviors.
const (
	BehaviorReport  = "report"
	BehaviorFail    = "fail"
	BehaviorTimeout = "timeout"
)

// AgentScript fixes how an agent answers every task it receives.
type AgentScript struct {
	Behavior   string           `yaml:"behavior"`
	ResultHash string           `yaml:"result_hash,omitempty"`
	Metrics    map[string]int64 `yaml:"metrics,omitempty"`
}

// Step operations.
const (
	OpReserve   = "reserve"
	OpIssue     = "issue"
	OpExecute   = "execute"
	OpAdvance   = "advance"
	OpChallenge = "challenge"
	OpAnswer    = "answer"
	OpReview    = "review"
	OpCancel    = "cancel"
	OpClose     = "close"
)

// Step is one operation against the engine.
type Step struct {
	Op string `yaml:"op"`

	Actor    string `yaml:"actor,omitempty"`
	WorkUnit string `yaml:"work_unit,omitempty"`

	// reserve, issue
	Type string `yaml:"type,omitempty"`

	// issue
	Number     uint64        `yaml:"number,omitempty"`
	Lane       string        `yaml:"lane,omitempty"`
	Scope      []string      `yaml:"scope,omitempty"`
	Supersedes string        `yaml:"supersedes,omitempty"`
	SubUnits   []SubUnitSpec `yaml:"sub_units,omitempty"`
	Override   *OverrideSpec `yaml:"override,omitempty"`

	// advance, review (time the reviewer spends reading)
	By Duration `yaml:"by,omitempty"`

	// answer: "correct", "wrong", or a literal response
	Response string `yaml:"response,omitempty"`

	// cancel, and the reason recorded on rejection
	Reason string `yaml:"reason,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// SubUnitSpec declares one node of an issued plan.
type SubUnitSpec struct {
	ID        string   `yaml:"id"`
	Agent     string   `yaml:"agent"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// OverrideSpec waives named gate codes at issue.
type OverrideSpec struct {
	Reason string   `yaml:"reason"`
	Waive  []string `yaml:"waive"`
}

// Expect describes how a step must end. A step without Expect must
// succeed.
type Expect struct {
	// Error is the fault code the step must fail with.
	Error string `yaml:"error,omitempty"`

	// Outcome is the result of an execute step: sealed or rejected.
	Outcome string `yaml:"outcome,omitempty"`
}

// Execute outcomes.
const (
	OutcomeSealed   = "sealed"
	OutcomeRejected = "rejected"
)

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertChainValid    = "chain_valid"
)

// Assertion checks the trace or the derived state after the last step.
type Assertion struct {
	Type string `yaml:"type"`

	// trace_contains, trace_count
	Kind    string `yaml:"kind,omitempty"`
	Actor   string `yaml:"actor,omitempty"`
	Subject string `yaml:"subject,omitempty"`
	Count   int    `yaml:"count,omitempty"`

	// trace_order
	Kinds []string `yaml:"kinds,omitempty"`

	// final_state
	WorkUnit  string            `yaml:"work_unit,omitempty"`
	Status    string            `yaml:"status,omitempty"`
	Composite string            `yaml:"composite,omitempty"`
	Review    string            `yaml:"review,omitempty"`
	SubUnits  map[string]string `yaml:"sub_units,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for id, a := range s.Agents {
		switch a.Behavior {
		case BehaviorReport, BehaviorFail, BehaviorTimeout:
		default:
			return fmt.Errorf("agents[%s]: unknown behavior %q", id, a.Behavior)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s *Step) error {
	switch s.Op {
	case OpReserve:
		if s.Type == "" || s.Actor == "" {
			return fmt.Errorf("steps[%d]: reserve needs type and actor", i)
		}
	case OpIssue:
		if s.WorkUnit == "" || s.Actor == "" || s.Type == "" {
			return fmt.Errorf("steps[%d]: issue needs work_unit, type and actor", i)
		}
		if len(s.SubUnits) == 0 {
			return fmt.Errorf("steps[%d]: issue needs sub_units", i)
		}
	case OpAdvance:
		if s.By <= 0 {
			return fmt.Errorf("steps[%d]: advance needs a positive by", i)
		}
	case OpAnswer:
		if s.Response == "" {
			return fmt.Errorf("steps[%d]: answer needs a response", i)
		}
		fallthrough
	case OpExecute, OpChallenge, OpReview, OpCancel, OpClose:
		if s.WorkUnit == "" {
			return fmt.Errorf("steps[%d]: %s needs work_unit", i, s.Op)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, s.Op)
	}

	if s.Expect != nil {
		switch s.Expect.Outcome {
		case "", OutcomeSealed, OutcomeRejected:
		default:
			return fmt.Errorf("steps[%d].expect: unknown outcome %q", i, s.Expect.Outcome)
		}
		if s.Expect.Outcome != "" && s.Op != OpExecute {
			return fmt.Errorf("steps[%d].expect: outcome only applies to execute", i)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.WorkUnit == "" {
			return fmt.Errorf("assertions[%d]: work_unit is required for final_state", index)
		}
	case AssertChainValid:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
