package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one scripted run of the job lifecycle.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides lifecycle defaults.
	Config *ScenarioConfig `yaml:"config,omitempty"`

	// Model lists the scripted model replies, consumed in call order.
	Model []ModelStep `yaml:"model,omitempty"`

	// Flow contains the steps to run, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ScenarioConfig overrides lifecycle settings. Zero values keep defaults.
type ScenarioConfig struct {
	TTL        string `yaml:"ttl,omitempty"`
	MaxRetries *int   `yaml:"max_retries,omitempty"`
	MaxFiles   int    `yaml:"max_files,omitempty"`
}

// ModelStep is one scripted model reply.
type ModelStep struct {
	Text         string `yaml:"text,omitempty"`
	InputTokens  int    `yaml:"input_tokens,omitempty"`
	OutputTokens int    `yaml:"output_tokens,omitempty"`

	// Error, if set, makes the call fail with this message.
	Error string `yaml:"error,omitempty"`
}

// FileSpec is an inline input document.
type FileSpec struct {
	Name        string `yaml:"name"`
	ContentType string `yaml:"content_type,omitempty"`
	Content     string `yaml:"content"`
}

// FlowStep is one operation against the Manager.
type FlowStep struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Job is the alias of the job the step acts on. Submit binds it.
	Job string `yaml:"job,omitempty"`

	Tenant         string         `yaml:"tenant,omitempty"`
	Transform      string         `yaml:"transform,omitempty"`
	IdempotencyKey string         `yaml:"idempotency_key,omitempty"`
	Files          []FileSpec     `yaml:"files,omitempty"`
	Fields         map[string]any `yaml:"fields,omitempty"`

	// ClaimJob is the job id a retry request claims. An alias resolves to
	// its job id; anything else is sent verbatim.
	ClaimJob string `yaml:"claim_job,omitempty"`

	// Duration is how far advance moves the clock.
	Duration string `yaml:"duration,omitempty"`

	// Expect, if set, is checked against the step's trace event.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step. Empty fields are
// not checked; Outcome defaults to "ok".
type ExpectClause struct {
	Outcome    string `yaml:"outcome,omitempty"`
	Status     string `yaml:"status,omitempty"`
	RetryCount *int   `yaml:"retry_count,omitempty"`
	Reason     string `yaml:"reason,omitempty"`
	Deleted    *int   `yaml:"deleted,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Job is the job alias (job_state, proof_valid).
	Job string `yaml:"job,omitempty"`

	// Status, RetryCount and ErrorCode are checked by job_state. An empty
	// ErrorCode requires the job to carry no error.
	Status     string `yaml:"status,omitempty"`
	RetryCount *int   `yaml:"retry_count,omitempty"`
	ErrorCode  string `yaml:"error_code,omitempty"`

	// Absent makes job_state require the job to be gone from the table.
	Absent bool `yaml:"absent,omitempty"`

	// Kind filters audit_count by record kind.
	Kind string `yaml:"kind,omitempty"`

	// Count is used by job_count, audit_count and model_calls.
	Count *int `yaml:"count,omitempty"`
}

// Flow operations.
const (
	OpSubmit  = "submit"
	OpRetry   = "retry"
	OpStatus  = "status"
	OpResult  = "result"
	OpProof   = "proof"
	OpAdvance = "advance"
	OpSweep   = "sweep"
)

// Assertion type constants.
const (
	AssertJobState   = "job_state"
	AssertJobCount   = "job_count"
	AssertAuditCount = "audit_count"
	AssertProofValid = "proof_valid"
	AssertModelCalls = "model_calls"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Config != nil && s.Config.TTL != "" {
		if _, err := time.ParseDuration(s.Config.TTL); err != nil {
			return fmt.Errorf("config.ttl: %w", err)
		}
	}

	for i, step := range s.Flow {
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

func validateStep(index int, step *FlowStep) error {
	switch step.Op {
	case OpSubmit, OpRetry, OpStatus, OpResult, OpProof:
		if step.Job == "" {
			return fmt.Errorf("flow[%d]: job is required for %s", index, step.Op)
		}
	case OpAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("flow[%d]: advance needs a valid duration: %w", index, err)
		}
	case OpSweep:
	case "":
		return fmt.Errorf("flow[%d]: op is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertJobState, AssertProofValid:
		if a.Job == "" {
			return fmt.Errorf("assertions[%d]: job is required for %s", index, a.Type)
		}
	case AssertJobCount, AssertAuditCount, AssertModelCalls:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
