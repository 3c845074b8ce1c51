package job

// ProofVersion identifies the proof pack layout.
const ProofVersion = "atomjob.proof/v1"

// ProofPack is the hash-anchored record of one attempt. It is regenerated
// for every attempt and never edited afterwards.
//
// Timestamps are RFC 3339 strings and every number is an integer so the
// pack can be digested as canonical JSON.
type ProofPack struct {
	Version        string `json:"version"`
	JobID          string `json:"job_id"`
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	TransformType  string `json:"transform_type"`
	Layer          string `json:"layer"`
	Source         string `json:"source"`
	Attempt        int    `json:"attempt"`
	Status         string `json:"status"`

	Timing     ProofTiming     `json:"timing"`
	Integrity  ProofIntegrity  `json:"integrity"`
	Governance ProofGovernance `json:"governance"`
	Continuity ProofContinuity `json:"continuity"`
	Expiration ProofExpiration `json:"expiration"`
	Error      *JobError       `json:"error,omitempty"`

	GeneratedAt string `json:"generated_at"`
	Digest      string `json:"digest"`
	Signature   string `json:"signature,omitempty"`
}

type ProofTiming struct {
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

type ProofIntegrity struct {
	Algorithm  string        `json:"algorithm"`
	InputHash  string        `json:"input_hash"`
	OutputHash string        `json:"output_hash,omitempty"`
	Inputs     []ProofDigest `json:"inputs"`
	Outputs    []ProofDigest `json:"outputs"`
}

// ProofDigest names one artifact and its content hash.
type ProofDigest struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ProofCheck is one governance invariant and whether it held.
type ProofCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type ProofGovernance struct {
	Checks    []ProofCheck `json:"checks"`
	AllPassed bool         `json:"all_passed"`
}

type ProofContinuity struct {
	ReferenceFieldsPresent bool `json:"reference_fields_present"`

	// ResultClean is only true when a result was produced and scanned.
	ResultChecked bool     `json:"result_checked"`
	ResultClean   bool     `json:"result_clean"`
	Warnings      []string `json:"warnings,omitempty"`
}

type ProofExpiration struct {
	TTLSeconds int64  `json:"ttl_seconds"`
	ExpiresAt  string `json:"expires_at"`
	IsExpired  bool   `json:"is_expired"`
	CanPromote bool   `json:"can_promote"`
}
