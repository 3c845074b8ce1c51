// Package proof builds and verifies the hash-anchored record of a job
// attempt.
//
// A pack is built for every attempt that reaches a terminal state, whether
// it completed or failed. Its digest is a domain-separated SHA-256 over the
// RFC 8785 canonical JSON of the pack with Digest and Signature blank, so
// any field edited after generation is detectable. With a signing key the
// digest is also HMAC signed.
package proof

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/atomjob/internal/canon"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/job"
)

// Default layer and source tags.
const (
	DefaultLayer  = "extraction"
	DefaultSource = "atomjob"
)

// Continuity is what the guard observed about the attempt.
type Continuity struct {
	// SubmissionViolations is a fresh inspection of the stored submission.
	SubmissionViolations []guard.RuleViolation

	// ResultChecked is false when the attempt produced no output to scan.
	ResultChecked  bool
	ResultWarnings []string
}

// Generator builds proof packs.
type Generator struct {
	signingKey []byte
	ttl        time.Duration
	maxRetries int
	layer      string
	source     string
	now        func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithSigningKey enables HMAC-SHA256 signatures.
func WithSigningKey(key []byte) Option {
	return func(g *Generator) {
		g.signingKey = key
	}
}

// WithTTL sets the retention window reported in the expiration section.
// Without it the window is derived from the job's own timestamps.
func WithTTL(ttl time.Duration) Option {
	return func(g *Generator) {
		g.ttl = ttl
	}
}

// WithMaxRetries enables the retry_within_limit check.
func WithMaxRetries(n int) Option {
	return func(g *Generator) {
		g.maxRetries = n
	}
}

// WithSource overrides the source tag.
func WithSource(source string) Option {
	return func(g *Generator) {
		g.source = source
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator creates a Generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		maxRetries: -1,
		layer:      DefaultLayer,
		source:     DefaultSource,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Signed reports whether packs carry signatures.
func (g *Generator) Signed() bool {
	return len(g.signingKey) > 0
}

// Generate builds the pack for j's current attempt. j must not be mutated
// concurrently.
func (g *Generator) Generate(j *job.Job, c Continuity) (*job.ProofPack, error) {
	now := g.now().UTC()

	ttl := g.ttl
	if ttl <= 0 {
		ttl = j.ExpiresAt.Sub(j.CreatedAt)
	}

	expired := j.IsExpired(now)
	p := &job.ProofPack{
		Version:        job.ProofVersion,
		JobID:          j.ID,
		TenantID:       j.TenantID,
		IdempotencyKey: j.IdempotencyKey,
		TransformType:  string(j.TransformType),
		Layer:          g.layer,
		Source:         g.source,
		Attempt:        j.Attempt(),
		Status:         string(j.Status),
		Timing:         timing(j),
		Integrity:      integrity(j),
		Continuity: job.ProofContinuity{
			ReferenceFieldsPresent: len(c.SubmissionViolations) > 0,
			ResultChecked:          c.ResultChecked,
			ResultClean:            c.ResultChecked && len(c.ResultWarnings) == 0,
			Warnings:               c.ResultWarnings,
		},
		Expiration: job.ProofExpiration{
			TTLSeconds: int64(ttl / time.Second),
			ExpiresAt:  formatTime(j.ExpiresAt),
			IsExpired:  expired,
			CanPromote: j.Status == job.StatusCompleted && !expired,
		},
		Error:       j.Error,
		GeneratedAt: formatTime(now),
	}
	p.Governance = g.governance(j, c, ttl, now)

	digest, err := Digest(p)
	if err != nil {
		return nil, err
	}
	p.Digest = digest
	if g.Signed() {
		p.Signature = canon.Sign(g.signingKey, digest)
	}
	return p, nil
}

func (g *Generator) governance(j *job.Job, c Continuity, ttl time.Duration, now time.Time) job.ProofGovernance {
	checks := []job.ProofCheck{
		{Name: "job_id_assigned", Passed: j.ID != ""},
		{Name: "idempotency_key_assigned", Passed: j.IdempotencyKey != ""},
		{Name: "transform_supported", Passed: j.TransformType.Valid()},
		check("submission_continuity_clean", len(c.SubmissionViolations) == 0,
			"%d continuity violations on re-inspection", len(c.SubmissionViolations)),
		check("inputs_hash_verified", hashesMatch(inputsAsOutputs(j.Inputs)),
			"input content does not match recorded sha256"),
		check("outputs_hash_verified", hashesMatch(j.Outputs),
			"output content does not match recorded sha256"),
		check("expiry_bounded", !j.ExpiresAt.After(now.Add(ttl)) && j.ExpiresAt.After(j.CreatedAt),
			"expires_at outside the retention window"),
	}
	if g.maxRetries >= 0 {
		checks = append(checks, check("retry_within_limit", j.RetryCount <= g.maxRetries,
			"retry_count %d exceeds %d", j.RetryCount, g.maxRetries))
	}

	all := true
	for _, ch := range checks {
		all = all && ch.Passed
	}
	return job.ProofGovernance{Checks: checks, AllPassed: all}
}

// check records detail only for a failing check.
func check(name string, passed bool, format string, args ...any) job.ProofCheck {
	c := job.ProofCheck{Name: name, Passed: passed}
	if !passed {
		c.Detail = fmt.Sprintf(format, args...)
	}
	return c
}

func timing(j *job.Job) job.ProofTiming {
	t := job.ProofTiming{CreatedAt: formatTime(j.CreatedAt)}
	if j.StartedAt != nil {
		t.StartedAt = formatTime(*j.StartedAt)
	}
	if j.CompletedAt != nil {
		t.CompletedAt = formatTime(*j.CompletedAt)
	}
	if j.StartedAt != nil && j.CompletedAt != nil {
		t.DurationMS = j.CompletedAt.Sub(*j.StartedAt).Milliseconds()
	}
	return t
}

func integrity(j *job.Job) job.ProofIntegrity {
	in := job.ProofIntegrity{
		Algorithm: "sha256",
		InputHash: InputHash(j.Inputs),
		Inputs:    make([]job.ProofDigest, 0, len(j.Inputs)),
		Outputs:   make([]job.ProofDigest, 0, len(j.Outputs)),
	}
	for _, f := range j.Inputs {
		in.Inputs = append(in.Inputs, job.ProofDigest{Name: f.Name, Size: f.Size, SHA256: f.SHA256})
	}
	for _, o := range j.Outputs {
		in.Outputs = append(in.Outputs, job.ProofDigest{Name: o.Name, Size: o.Size, SHA256: o.SHA256})
	}
	if primary, ok := j.PrimaryOutput(); ok {
		in.OutputHash = canon.ContentHash(primary.Content)
	}
	return in
}

// InputHash is the content hash of every input's bytes concatenated in
// submission order.
func InputHash(inputs []job.InputFile) string {
	var all []byte
	for _, f := range inputs {
		all = append(all, f.Content...)
	}
	return canon.ContentHash(all)
}

func inputsAsOutputs(inputs []job.InputFile) []job.Output {
	out := make([]job.Output, len(inputs))
	for i, f := range inputs {
		out[i] = job.Output{Name: f.Name, SHA256: f.SHA256, Content: f.Content}
	}
	return out
}

func hashesMatch(items []job.Output) bool {
	for _, o := range items {
		if o.SHA256 != canon.ContentHash(o.Content) {
			return false
		}
	}
	return true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Digest computes the digest of p with Digest and Signature blank.
func Digest(p *job.ProofPack) (string, error) {
	unsigned := *p
	unsigned.Digest = ""
	unsigned.Signature = ""

	b, err := json.Marshal(&unsigned)
	if err != nil {
		return "", fmt.Errorf("marshal proof: %w", err)
	}
	return canon.Digest(canon.DomainProof, json.RawMessage(b))
}

var (
	ErrDigestMismatch   = errors.New("proof digest does not match content")
	ErrSignatureMissing = errors.New("proof is not signed")
	ErrSignatureInvalid = errors.New("proof signature is invalid")
)

// Verify recomputes p's digest and, when key is non-empty, its signature.
func Verify(p *job.ProofPack, key []byte) error {
	digest, err := Digest(p)
	if err != nil {
		return err
	}
	if digest != p.Digest {
		return ErrDigestMismatch
	}
	if len(key) == 0 {
		return nil
	}
	if p.Signature == "" {
		return ErrSignatureMissing
	}
	if !canon.VerifySignature(key, p.Digest, p.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}
