package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/atomjob/internal/config"
	"github.com/roach88/atomjob/internal/guard"
)

// CheckResult is the guard's verdict on a submission document.
type CheckResult struct {
	Allowed    bool                  `json:"allowed"`
	Reason     string                `json:"reason,omitempty"`
	Violations []guard.RuleViolation `json:"violations"`
}

// Text implements texter.
func (r CheckResult) Text() string {
	if r.Allowed {
		return "✓ Submission passes the continuity guard"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✗ Submission blocked: %s\n", r.Reason)
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "  - [%s] %s: %s\n", v.Type, v.Target, v.Rule)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <submission.json|->",
		Short: "Evaluate a submission against the continuity guard",
		Long: `Evaluate a submission document against the continuity guard without
creating a job. The document is a JSON object of submission fields;
top-level tenant_id and idempotency_key are used for the audit entry.

Exits 1 when the submission would be refused.

Example:
  atomjob check submission.json
  cat submission.json | atomjob check -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, args[0], cmd)
		},
	}
}

func runCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return formatter.FailWith(ErrCodeConfig, ExitCommandError, "failed to load config", err)
	}
	policy, err := loadPolicy(cfg.Policy.Path)
	if err != nil {
		return formatter.FailWith(ErrCodePolicy, ExitCommandError, "failed to load policy", err)
	}
	g, err := guard.New(policy)
	if err != nil {
		return formatter.FailWith(ErrCodePolicy, ExitCommandError, "invalid policy", err)
	}

	data, err := readSubmission(path, cmd.InOrStdin())
	if err != nil {
		return formatter.FailWith(ErrCodeBadInput, ExitCommandError, "failed to read submission", err)
	}
	fields, err := decodeObject(data)
	if err != nil {
		return formatter.FailWith(ErrCodeBadInput, ExitCommandError, "invalid submission", err)
	}

	tenant, _ := fields["tenant_id"].(string)
	key, _ := fields["idempotency_key"].(string)
	formatter.VerboseLog("Checking submission for tenant %q against %d rules", tenant, len(g.Rules()))

	d := g.EvaluateSubmission(guard.Submission{TenantID: tenant, IdempotencyKey: key, Fields: fields})
	res := CheckResult{Allowed: d.Allowed, Reason: d.Reason, Violations: []guard.RuleViolation{}}
	if d.Violation != nil {
		res.Violations = d.Violation.Violations
	}
	if err := formatter.Success(res); err != nil {
		return err
	}
	if !d.Allowed {
		return NewExitError(ExitFailure, "submission blocked")
	}
	return nil
}

func readSubmission(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
