package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Verdict is the structured triage answer the model must produce.
type Verdict struct {
	Severity      string   `json:"severity" validate:"required,oneof=low medium high critical"`
	Owner         string   `json:"owner" validate:"required"`
	Diagnosis     string   `json:"diagnosis" validate:"required"`
	NextSteps     []string `json:"next_steps" validate:"required,min=1,dive,required"`
	CustomerReply string   `json:"customer_reply" validate:"required"`
	Citations     []string `json:"citations"`
}

// Parser turns raw model output into a validated Verdict.
type Parser struct {
	validate *validator.Validate
}

// NewParser creates a parser with its own validator instance.
func NewParser() *Parser {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Parser{validate: v}
}

// Parse extracts, decodes and validates a verdict. Severity is normalized to lower case
// before validation.
func (p *Parser) Parse(raw string) (*Verdict, error) {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var v Verdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return nil, fmt.Errorf("failed to decode verdict: %w", err)
	}
	v.Severity = strings.ToLower(strings.TrimSpace(v.Severity))

	if err := p.validate.Struct(&v); err != nil {
		return &v, describe(err)
	}
	return &v, nil
}

// describe flattens validator errors into one readable message.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Namespace()+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Namespace(), fe.Param()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s needs at least %s item(s)", fe.Namespace(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("verdict validation failed: %s", strings.Join(parts, "; "))
}

// FilterCitations keeps only citations that name a retrieved source, in order and without
// duplicates.
func FilterCitations(citations []string, sourceIDs []string) []string {
	allowed := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		allowed[id] = true
	}
	out := make([]string, 0, len(citations))
	seen := make(map[string]bool, len(citations))
	for _, c := range citations {
		c = strings.Trim(strings.TrimSpace(c), "[]")
		if allowed[c] && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
