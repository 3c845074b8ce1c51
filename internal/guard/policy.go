package guard

import (
	"fmt"
	"os"
	"regexp"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Phrase is a continuity-implying pattern for free text. Patterns are
// matched case-insensitively.
type Phrase struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
}

// Policy is the data every rule is built from. Field names are compared
// case-insensitively.
type Policy struct {
	// ReferenceFlags block a submission when present and truthy.
	ReferenceFlags []string `json:"reference_flags,omitempty"`

	// ForbiddenFields block a submission when present at all.
	ForbiddenFields []string `json:"forbidden_fields,omitempty"`

	// MetadataContainers are scanned recursively for flags and fields.
	MetadataContainers []string `json:"metadata_containers,omitempty"`

	// FreeTextFields are matched against ContinuityPhrases.
	FreeTextFields []string `json:"free_text_fields,omitempty"`

	ContinuityPhrases []Phrase `json:"continuity_phrases,omitempty"`

	// NewInputFields block a retry when present at all.
	NewInputFields []string `json:"new_input_fields,omitempty"`
}

// DefaultPolicy returns the compiled-in policy.
func DefaultPolicy() Policy {
	return Policy{
		ReferenceFlags: []string{
			"references_previous_execution",
			"uses_prior_output",
			"continue_from_previous",
			"is_continuation",
		},
		ForbiddenFields: []string{
			"previous_job_id",
			"prior_job_id",
			"parent_job_id",
			"source_job_id",
			"related_job_id",
			"previous_output",
			"prior_output",
			"previous_result",
			"chain_id",
			"workflow_id",
			"pipeline_id",
			"sequence_id",
			"sequence_number",
			"step_number",
			"next_step",
			"depends_on",
			"continuation_token",
			"session_id",
			"conversation_id",
			"thread_id",
			"memory_id",
		},
		MetadataContainers: []string{"metadata", "meta", "context", "options"},
		FreeTextFields: []string{
			"prompt",
			"instructions",
			"instruction",
			"notes",
			"query",
			"description",
			"comment",
		},
		ContinuityPhrases: []Phrase{
			{
				Pattern:     `\b(previous|prior|last|earlier) (job|run|execution|result|output|analysis|submission|extraction)s?\b`,
				Description: "Free text must not reference a previous execution",
			},
			{
				Pattern:     `\bcontinu(e|ing|ation) (from|of|with|where)\b`,
				Description: "Free text must not request continuation of earlier work",
			},
			{
				Pattern:     `\b(pick|picking) up where\b|\bwhere (we|you|it) left off\b`,
				Description: "Free text must not request continuation of earlier work",
			},
			{
				Pattern:     `\bbuild(ing)? (on|upon) (the )?(previous|prior|last|earlier)\b`,
				Description: "Free text must not build on earlier results",
			},
			{
				Pattern:     `\b(compare|comparing|comparison) (it |this )?(with|to|against) (the )?(previous|prior|last|earlier)\b`,
				Description: "Free text must not compare against earlier results",
			},
			{
				Pattern:     `\bas (before|last time)\b|\bsame as (the )?(previous|last) (time|one)\b`,
				Description: "Free text must not rely on remembered context",
			},
			{
				Pattern:     `\bnext step\b|\bstep \d+ of \d+\b`,
				Description: "Free text must not imply a multi-step workflow",
			},
		},
		NewInputFields: []string{
			"files",
			"new_files",
			"additional_files",
			"input_files",
			"attachments",
			"documents",
			"new_input",
			"additional_input",
			"extra_context",
		},
	}
}

// withDefaults fills every empty list from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if len(p.ReferenceFlags) == 0 {
		p.ReferenceFlags = def.ReferenceFlags
	}
	if len(p.ForbiddenFields) == 0 {
		p.ForbiddenFields = def.ForbiddenFields
	}
	if len(p.MetadataContainers) == 0 {
		p.MetadataContainers = def.MetadataContainers
	}
	if len(p.FreeTextFields) == 0 {
		p.FreeTextFields = def.FreeTextFields
	}
	if len(p.ContinuityPhrases) == 0 {
		p.ContinuityPhrases = def.ContinuityPhrases
	}
	if len(p.NewInputFields) == 0 {
		p.NewInputFields = def.NewInputFields
	}
	return p
}

type compiledPhrase struct {
	re          *regexp.Regexp
	description string
}

func compilePhrases(phrases []Phrase) ([]compiledPhrase, error) {
	out := make([]compiledPhrase, 0, len(phrases))
	for i, ph := range phrases {
		if ph.Pattern == "" || ph.Description == "" {
			return nil, &PolicyError{
				Field:   fmt.Sprintf("continuity_phrases[%d]", i),
				Message: "pattern and description are required",
			}
		}
		re, err := regexp.Compile("(?i)" + ph.Pattern)
		if err != nil {
			return nil, &PolicyError{
				Field:   fmt.Sprintf("continuity_phrases[%d]", i),
				Message: err.Error(),
			}
		}
		out = append(out, compiledPhrase{re: re, description: ph.Description})
	}
	return out, nil
}

// Validate compiles every pattern without building a Guard.
func (p Policy) Validate() error {
	_, err := compilePhrases(p.withDefaults().ContinuityPhrases)
	return err
}

// policySchema closes the policy struct so a misspelled key is an error
// rather than a silently ignored setting.
const policySchema = `
#Phrase: {
	pattern:     string & !=""
	description: string & !=""
}

#Policy: {
	reference_flags?:     [...string]
	forbidden_fields?:    [...string]
	metadata_containers?: [...string]
	free_text_fields?:    [...string]
	continuity_phrases?:  [...#Phrase]
	new_input_fields?:    [...string]
}
`

// LoadPolicy reads a CUE file with a top-level `policy` struct. Lists the
// file omits keep their DefaultPolicy values.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data, path)
}

// ParsePolicy is LoadPolicy over in-memory source.
func ParsePolicy(src []byte, filename string) (Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(policySchema, cue.Filename("policy_schema.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, formatCUEError(err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Policy{}, formatCUEError(err)
	}

	pv := v.LookupPath(cue.ParsePath("policy"))
	if !pv.Exists() {
		return Policy{}, &PolicyError{
			Field:   "policy",
			Message: "policy struct is required",
			Pos:     v.Pos(),
		}
	}

	unified := schema.LookupPath(cue.ParsePath("#Policy")).Unify(pv)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, formatCUEError(err)
	}

	var p Policy
	if err := unified.Decode(&p); err != nil {
		return Policy{}, formatCUEError(err)
	}

	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// PolicyError is a policy problem with source position when known.
type PolicyError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *PolicyError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &PolicyError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
