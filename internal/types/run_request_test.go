package types

import (
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequest_WithDefaults(t *testing.T) {
	req := RunRequest{Topic: "  Deep Learning  "}.WithDefaults()

	assert.Equal(t, "Deep Learning", req.Topic)
	assert.Equal(t, DefaultLanguage, req.Language)
	assert.Equal(t, DefaultWorkflowID, req.WorkflowID)
	assert.NoError(t, req.Validate())
}

func TestRunRequest_WithDefaultsCopiesParams(t *testing.T) {
	params := map[string]string{ParamUseBrowser: "true"}
	req := RunRequest{Topic: "x", Params: params}.WithDefaults()
	req.Params[ParamUseBrowser] = "false"

	assert.Equal(t, "true", params[ParamUseBrowser])
}

func TestRunRequest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		req      RunRequest
		wantTag  string
		wantPass bool
	}{
		{name: "valid", req: RunRequest{Topic: "Go", UnitCount: 10}, wantPass: true},
		{name: "missing topic", req: RunRequest{}, wantTag: "required"},
		{name: "topic too long", req: RunRequest{Topic: strings.Repeat("a", 201)}, wantTag: "max"},
		{name: "negative unit count", req: RunRequest{Topic: "Go", UnitCount: -1}, wantTag: "min"},
		{name: "unit count too large", req: RunRequest{Topic: "Go", UnitCount: 201}, wantTag: "max"},
		{name: "unknown workflow", req: RunRequest{Topic: "Go", WorkflowID: "novel"}, wantTag: "workflow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req.WithDefaults()
			err := req.Validate()
			if tt.wantPass {
				assert.NoError(t, err)
				return
			}
			var verrs validator.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, tt.wantTag, verrs[0].Tag())
		})
	}
}

func TestRunRequest_Locale(t *testing.T) {
	assert.Equal(t, "zh", RunRequest{Language: "中文"}.Locale())
	assert.Equal(t, "en", RunRequest{Language: "English"}.Locale())
	assert.Equal(t, "en", RunRequest{Language: "en"}.Locale())
	assert.Equal(t, "zh", RunRequest{}.Locale())
}

func TestRunRequest_Params(t *testing.T) {
	req := RunRequest{Params: map[string]string{
		ParamReferenceURLs: "https://a.example/x, https://b.example/y\n\n https://c.example ",
		ParamUseBrowser:    "TRUE",
	}}
	assert.Equal(t, []string{"https://a.example/x", "https://b.example/y", "https://c.example"}, req.ReferenceURLs())
	assert.True(t, req.UseBrowser())

	assert.Nil(t, RunRequest{}.ReferenceURLs())
	assert.False(t, RunRequest{}.UseBrowser())
}
