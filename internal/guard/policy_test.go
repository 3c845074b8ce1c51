package guard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicyOverridesAndDefaults(t *testing.T) {
	src := `
policy: {
	forbidden_fields: ["batch_id"]
	continuity_phrases: [
		{pattern: "\\bagain\\b", description: "Free text must not ask for a rerun"},
	]
}
`
	p, err := ParsePolicy([]byte(src), "policy.cue")
	require.NoError(t, err)

	assert.Equal(t, []string{"batch_id"}, p.ForbiddenFields)
	require.Len(t, p.ContinuityPhrases, 1)
	assert.Equal(t, DefaultPolicy().ReferenceFlags, p.ReferenceFlags)
	assert.Equal(t, DefaultPolicy().NewInputFields, p.NewInputFields)

	g, err := New(p)
	require.NoError(t, err)

	assert.False(t, g.EvaluateSubmission(Submission{Fields: map[string]any{"batch_id": 1}}).Allowed)
	assert.True(t, g.EvaluateSubmission(Submission{Fields: map[string]any{"previous_job_id": 1}}).Allowed)

	d := g.EvaluateSubmission(Submission{Fields: map[string]any{"prompt": "Do it AGAIN"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, "Free text must not ask for a rerun", d.Reason)
}

func TestParsePolicyErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing policy", `other: {}`, "policy struct is required"},
		{"syntax", `policy: {`, ""},
		{"unknown key", `policy: {forbiden_fields: ["x"]}`, ""},
		{"wrong type", `policy: {forbidden_fields: "x"}`, ""},
		{"empty pattern", `policy: {continuity_phrases: [{pattern: "", description: "d"}]}`, ""},
		{"bad regex", `policy: {continuity_phrases: [{pattern: "(", description: "d"}]}`, "continuity_phrases[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.src), "policy.cue")
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(`policy: {metadata_containers: ["extra"]}`), 0644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra"}, p.MetadataContainers)

	_, err = LoadPolicy(filepath.Join(dir, "missing.cue"))
	assert.Error(t, err)
}

func TestDefaultPolicyValidates(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	rules, err := BuildRules(DefaultPolicy())
	require.NoError(t, err)
	assert.Len(t, rules, 2+len(DefaultPolicy().ContinuityPhrases))
}

func TestExamplePolicy(t *testing.T) {
	p, err := LoadPolicy("../../examples/policy.cue")
	require.NoError(t, err)

	assert.Contains(t, p.ForbiddenFields, "batch_id")
	assert.Contains(t, p.MetadataContainers, "extra")
	assert.Equal(t, DefaultPolicy().ReferenceFlags, p.ReferenceFlags)

	g, err := New(p)
	require.NoError(t, err)
	d := g.EvaluateSubmission(Submission{
		TenantID: "t",
		Fields:   map[string]any{"notes": "same as last month please"},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, "Free text must not rely on remembered context", d.Reason)
}
