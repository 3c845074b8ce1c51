package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/atomjob/internal/job"
)

// Template is the prompt and output contract for one transform.
type Template struct {
	Transform    job.Transform
	SystemPrompt string

	// Instructions precede the rendered documents in the user turn.
	Instructions string

	// ForbiddenPhrases are judgment terms the output must not contain.
	// Matching is case-insensitive substring.
	ForbiddenPhrases []string

	// Schema optionally describes the structured output as JSON Schema.
	Schema map[string]any

	// AllowedExtensions restricts submitted file names. Empty allows any.
	AllowedExtensions []string

	compiled *jsonschema.Schema
}

func (t *Template) compile() error {
	if t.Schema == nil {
		return nil
	}
	b, err := json.Marshal(t.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	name := string(t.Transform) + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	t.compiled = s
	return nil
}

// validate reports schema mismatches. A template without a schema accepts
// everything.
func (t *Template) validate(data map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	if err := t.compiled.Validate(data); err != nil {
		return fmt.Errorf("output does not match %s schema: %w", t.Transform, err)
	}
	return nil
}

// AllowsFile reports whether name has one of the allowed extensions.
func (t *Template) AllowsFile(name string) bool {
	if len(t.AllowedExtensions) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range t.AllowedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

const baseSystemPrompt = "You are a document data extraction engine. " +
	"Extract only facts that are explicitly present in the supplied documents. " +
	"Do not assess, score, rank, recommend, approve or decline anything, and do not predict outcomes. " +
	"Never state whether a person qualifies, is eligible or is creditworthy. " +
	"Each request is self-contained: there is no earlier conversation, job or result to refer to. " +
	"If a value is not present in the documents, omit it. " +
	"Respond with a single JSON object and nothing else."

var judgmentPhrases = []string{
	"approve",
	"decline",
	"eligible",
	"qualifies",
	"creditworthy",
	"recommend",
	"we suggest",
	"high risk",
	"low risk",
	"should be accepted",
	"should be rejected",
}

var documentExtensions = []string{".pdf", ".png", ".jpg", ".jpeg", ".txt", ".csv", ".xlsx"}

func amountProp() map[string]any {
	return map[string]any{"type": []any{"string", "number"}}
}

func stringProp() map[string]any {
	return map[string]any{"type": "string"}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

// DefaultTemplates returns the compiled-in template for every transform.
func DefaultTemplates() []*Template {
	return []*Template{
		{
			Transform:    job.TransformMortgageEligibilitySummary,
			SystemPrompt: baseSystemPrompt,
			Instructions: "Summarize the factual figures a mortgage adviser would read from these documents: " +
				"applicant names, employer, employment start date, gross and net income per period, " +
				"regular outgoings, existing credit commitments and deposit amount. " +
				"Report figures exactly as written. Do not compute affordability or eligibility.",
			ForbiddenPhrases:  append([]string{"affordable", "can afford", "cannot afford", "loan to value is acceptable"}, judgmentPhrases...),
			AllowedExtensions: documentExtensions,
			Schema: objectSchema(map[string]any{
				"applicants":         map[string]any{"type": "array"},
				"employer":           stringProp(),
				"employment_start":   stringProp(),
				"gross_income":       amountProp(),
				"net_income":         amountProp(),
				"income_period":      stringProp(),
				"regular_outgoings":  map[string]any{"type": "array"},
				"credit_commitments": map[string]any{"type": "array"},
				"deposit_amount":     amountProp(),
				"currency":           stringProp(),
			}),
		},
		{
			Transform:    job.TransformBankStatementExtraction,
			SystemPrompt: baseSystemPrompt,
			Instructions: "Extract the account holder, bank name, account number (last four digits only), statement period, " +
				"opening and closing balances and every transaction with date, description and signed amount.",
			ForbiddenPhrases:  judgmentPhrases,
			AllowedExtensions: documentExtensions,
			Schema: objectSchema(map[string]any{
				"account_holder":  stringProp(),
				"bank_name":       stringProp(),
				"account_last4":   map[string]any{"type": "string", "pattern": `^\d{4}$`},
				"period_start":    stringProp(),
				"period_end":      stringProp(),
				"opening_balance": amountProp(),
				"closing_balance": amountProp(),
				"currency":        stringProp(),
				"transactions": map[string]any{
					"type": "array",
					"items": objectSchema(map[string]any{
						"date":        stringProp(),
						"description": stringProp(),
						"amount":      amountProp(),
					}),
				},
			}),
		},
		{
			Transform:    job.TransformPayslipExtraction,
			SystemPrompt: baseSystemPrompt,
			Instructions: "Extract employer name, employee name, pay date, pay period, gross pay, net pay, tax, " +
				"pension and other deductions, and year-to-date totals when printed.",
			ForbiddenPhrases:  judgmentPhrases,
			AllowedExtensions: documentExtensions,
			Schema: objectSchema(map[string]any{
				"employer_name": stringProp(),
				"employee_name": stringProp(),
				"pay_date":      stringProp(),
				"pay_period":    stringProp(),
				"gross_pay":     amountProp(),
				"net_pay":       amountProp(),
				"tax":           amountProp(),
				"pension":       amountProp(),
				"deductions":    map[string]any{"type": "array"},
				"currency":      stringProp(),
			}),
		},
		{
			Transform:    job.TransformIdentityDocument,
			SystemPrompt: baseSystemPrompt,
			Instructions: "Extract document type, issuing country, full name, date of birth, document number, " +
				"issue date and expiry date exactly as printed. Do not judge authenticity.",
			ForbiddenPhrases:  append([]string{"genuine", "fraudulent", "forged", "authentic"}, judgmentPhrases...),
			AllowedExtensions: []string{".pdf", ".png", ".jpg", ".jpeg"},
			Schema: objectSchema(map[string]any{
				"document_type":   stringProp(),
				"issuing_country": stringProp(),
				"full_name":       stringProp(),
				"date_of_birth":   stringProp(),
				"document_number": stringProp(),
				"issue_date":      stringProp(),
				"expiry_date":     stringProp(),
			}),
		},
		{
			Transform:    job.TransformInvoiceExtraction,
			SystemPrompt: baseSystemPrompt,
			Instructions: "Extract supplier, customer, invoice number, invoice date, due date, line items " +
				"(description, quantity, unit price, amount), subtotal, tax and total.",
			ForbiddenPhrases:  judgmentPhrases,
			AllowedExtensions: documentExtensions,
			Schema: objectSchema(map[string]any{
				"supplier":       stringProp(),
				"customer":       stringProp(),
				"invoice_number": stringProp(),
				"invoice_date":   stringProp(),
				"due_date":       stringProp(),
				"line_items":     map[string]any{"type": "array"},
				"subtotal":       amountProp(),
				"tax":            amountProp(),
				"total":          amountProp(),
				"currency":       stringProp(),
			}),
		},
	}
}
