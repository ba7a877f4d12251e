// Package types provides request and report types shared by the server, the CLI
// and the workflow.
package types

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/textbook-forge/internal/workflows"
)

// Defaults applied to a RunRequest before validation.
const (
	DefaultLanguage   = "中文"
	DefaultWorkflowID = workflows.TextbookID
)

// Recognised keys of RunRequest.Params.
const (
	ParamReferenceURLs = "reference_urls"
	ParamUseBrowser    = "use_browser"
	ParamAudience      = "audience"
)

// RunRequest asks for one workflow run. It is immutable once accepted.
type RunRequest struct {
	Topic      string            `json:"topic" validate:"required,min=1,max=200"`
	Language   string            `json:"language,omitempty" validate:"required"`
	UnitCount  int               `json:"unit_count,omitempty" validate:"min=0,max=200"`
	WorkflowID string            `json:"workflow_id,omitempty" validate:"required,workflow"`
	Params     map[string]string `json:"params,omitempty"`
}

// WithDefaults returns a copy with empty optional fields filled in.
func (r RunRequest) WithDefaults() RunRequest {
	r.Topic = strings.TrimSpace(r.Topic)
	if strings.TrimSpace(r.Language) == "" {
		r.Language = DefaultLanguage
	}
	if r.WorkflowID == "" {
		r.WorkflowID = DefaultWorkflowID
	}
	if r.Params != nil {
		params := make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			params[k] = v
		}
		r.Params = params
	}
	return r
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// requestValidator adds the "workflow" tag, which accepts ids registered in
// the default workflow catalog.
func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		if err := validate.RegisterValidation("workflow", func(fl validator.FieldLevel) bool {
			return workflows.Default().Has(fl.Field().String())
		}); err != nil {
			panic(err)
		}
	})
	return validate
}

// Validate validates the RunRequest using the validator.
func (r *RunRequest) Validate() error {
	return requestValidator().Struct(r)
}

// Locale maps the request language onto a prompt locale.
func (r RunRequest) Locale() string {
	switch strings.ToLower(strings.TrimSpace(r.Language)) {
	case "en", "english", "英文", "英语":
		return "en"
	default:
		return "zh"
	}
}

// ReferenceURLs returns the comma or newline separated reference_urls param.
func (r RunRequest) ReferenceURLs() []string {
	raw := r.Params[ParamReferenceURLs]
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(c rune) bool { return c == ',' || c == '\n' }) {
		if u := strings.TrimSpace(part); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// UseBrowser reports whether the use_browser param is set.
func (r RunRequest) UseBrowser() bool {
	switch strings.ToLower(strings.TrimSpace(r.Params[ParamUseBrowser])) {
	case "1", "true", "yes":
		return true
	}
	return false
}
