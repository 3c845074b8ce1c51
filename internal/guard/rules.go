package guard

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Pass orders rule evaluation. Passes run in ascending order and evaluation
// stops after the first pass that produces a violation; every rule within
// that pass still runs.
type Pass int

const (
	PassReferenceFlags Pass = iota + 1
	PassForbiddenFields
	PassContinuityPhrases
)

func (p Pass) String() string {
	switch p {
	case PassReferenceFlags:
		return "reference_flags"
	case PassForbiddenFields:
		return "forbidden_fields"
	case PassContinuityPhrases:
		return "continuity_phrases"
	default:
		return fmt.Sprintf("pass_%d", int(p))
	}
}

// ViolationType classifies a single rule violation.
type ViolationType string

const (
	ViolationReferenceFlag    ViolationType = "reference_flag"
	ViolationForbiddenField   ViolationType = "forbidden_field"
	ViolationContinuityPhrase ViolationType = "continuity_phrase"
	ViolationJobIDMismatch    ViolationType = "job_id_mismatch"
	ViolationIdempotencyKey   ViolationType = "idempotency_key_mismatch"
	ViolationNewInput         ViolationType = "new_input"
)

// RuleViolation is one offending field or pattern.
type RuleViolation struct {
	Type   ViolationType `json:"type"`
	Target string        `json:"target"`
	Rule   string        `json:"rule"`
}

// Rule is a predicate over submitted fields.
type Rule struct {
	Name        string
	Pass        Pass
	Description string
	Check       func(fields map[string]any) []RuleViolation
}

const (
	reasonReferenceFlag  = "Submission must not reference a previous execution"
	reasonForbiddenField = "Submission must not carry job chaining or workflow identifiers"
)

// BuildRules turns a policy into the ordered rule list.
func BuildRules(p Policy) ([]Rule, error) {
	phrases, err := compilePhrases(p.ContinuityPhrases)
	if err != nil {
		return nil, err
	}
	return buildRules(p, phrases), nil
}

func buildRules(p Policy, phrases []compiledPhrase) []Rule {
	flags := lowerSet(p.ReferenceFlags)
	forbidden := lowerSet(p.ForbiddenFields)
	freeText := lowerSet(p.FreeTextFields)
	containers := p.MetadataContainers

	rules := []Rule{
		{
			Name:        "reference_flags",
			Pass:        PassReferenceFlags,
			Description: reasonReferenceFlag,
			Check: func(fields map[string]any) []RuleViolation {
				var out []RuleViolation
				walkFields(fields, containers, func(path, key string, value any) {
					if flags[key] && truthy(value) {
						out = append(out, RuleViolation{Type: ViolationReferenceFlag, Target: path, Rule: reasonReferenceFlag})
					}
				})
				return out
			},
		},
		{
			Name:        "forbidden_fields",
			Pass:        PassForbiddenFields,
			Description: reasonForbiddenField,
			Check: func(fields map[string]any) []RuleViolation {
				var out []RuleViolation
				walkFields(fields, containers, func(path, key string, _ any) {
					if forbidden[key] {
						out = append(out, RuleViolation{Type: ViolationForbiddenField, Target: path, Rule: reasonForbiddenField})
					}
				})
				return out
			},
		},
	}

	for i, ph := range phrases {
		rules = append(rules, Rule{
			Name:        fmt.Sprintf("continuity_phrase_%d", i+1),
			Pass:        PassContinuityPhrases,
			Description: ph.description,
			Check: func(fields map[string]any) []RuleViolation {
				var out []RuleViolation
				walkFields(fields, containers, func(path, key string, value any) {
					if !freeText[key] {
						return
					}
					for _, text := range textValues(value) {
						if m := ph.re.FindString(text); m != "" {
							out = append(out, RuleViolation{
								Type:   ViolationContinuityPhrase,
								Target: fmt.Sprintf("%s: %q", path, m),
								Rule:   ph.description,
							})
						}
					}
				})
				return out
			},
		})
	}
	return rules
}

// walkFields visits every top-level key and every key nested at any depth
// inside a metadata container. Keys are visited in sorted order and passed
// to fn lowercased; path keeps the submitted spelling.
func walkFields(fields map[string]any, containers []string, fn func(path, key string, value any)) {
	isContainer := lowerSet(containers)
	for _, k := range sortedKeys(fields) {
		v := fields[k]
		lk := strings.ToLower(k)
		fn(k, lk, v)
		if isContainer[lk] {
			walkNested(k, v, fn)
		}
	}
}

func walkNested(prefix string, v any, fn func(path, key string, value any)) {
	switch val := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(val) {
			path := prefix + "." + k
			fn(path, strings.ToLower(k), val[k])
			walkNested(path, val[k], fn)
		}
	case []any:
		for i, e := range val {
			walkNested(fmt.Sprintf("%s[%d]", prefix, i), e, fn)
		}
	}
}

// walkAll visits keys at any depth regardless of containers. Used for
// structured model output, which has no container convention.
func walkAll(v any, fn func(path, key string, value any)) {
	switch val := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(val) {
			fn(k, strings.ToLower(k), val[k])
			walkNested(k, val[k], fn)
		}
	case []any:
		for i, e := range val {
			walkNested(fmt.Sprintf("[%d]", i), e, fn)
		}
	}
}

// truthy treats absent-like values as false: nil, false, zero, empty
// collections and the strings "", "false", "0", "no", "off".
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "0", "no", "off":
			return false
		}
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func textValues(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		var out []string
		for _, e := range val {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func lowerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
