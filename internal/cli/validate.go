package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/atomjob/internal/config"
	"github.com/roach88/atomjob/internal/executor"
	"github.com/roach88/atomjob/internal/files"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/model"
)

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Component string `json:"component"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Rules      int               `json:"rules,omitempty"`
	Transforms []string          `json:"transforms,omitempty"`
	Errors     []ValidationIssue `json:"errors,omitempty"`
}

// Text implements texter.
func (r ValidationResult) Text() string {
	if r.Valid {
		return fmt.Sprintf("✓ Configuration valid: %d guard rules, transforms %s",
			r.Rules, strings.Join(r.Transforms, ", "))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✗ Validation failed with %d error(s):\n", len(r.Errors))
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  %s [%s]: %s\n", e.Component, e.Code, e.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, policy and prompt templates",
		Long: `Validate the configuration file, the continuity policy and the
output schemas of every prompt template without opening the job table
or calling a model.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	res := ValidationResult{}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		res.Errors = append(res.Errors, issues("config", ErrCodeConfig, err)...)
		return reportValidation(formatter, res)
	}
	formatter.VerboseLog("Config loaded: store=%s provider=%s", cfg.Store.Driver, cfg.Model.Provider)

	policy, err := loadPolicy(cfg.Policy.Path)
	if err == nil {
		var g *guard.Guard
		if g, err = guard.New(policy); err == nil {
			res.Rules = len(g.Rules())
		}
	}
	if err != nil {
		res.Errors = append(res.Errors, issues("policy", ErrCodePolicy, err)...)
	}

	stub := model.Func(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, errNoModel
	})
	ex, err := executor.New(stub, files.New(cfg.Job.MaxDocumentChars, nil))
	if err != nil {
		res.Errors = append(res.Errors, issues("templates", ErrCodeConfig, err)...)
	} else {
		for _, t := range executor.DefaultTemplates() {
			if _, ok := ex.Template(t.Transform); ok {
				res.Transforms = append(res.Transforms, string(t.Transform))
			}
		}
	}

	return reportValidation(formatter, res)
}

func reportValidation(formatter *OutputFormatter, res ValidationResult) error {
	res.Valid = len(res.Errors) == 0
	if err := formatter.Success(res); err != nil {
		return err
	}
	if !res.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

// issues splits a joined error into one issue per cause.
func issues(component, code string, err error) []ValidationIssue {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []ValidationIssue
		for _, e := range joined.Unwrap() {
			out = append(out, issues(component, code, e)...)
		}
		return out
	}
	return []ValidationIssue{{Component: component, Code: code, Message: err.Error()}}
}
