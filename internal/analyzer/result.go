package analyzer

import (
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

const StatusSuccess = "success"

type Result struct {
	Status     string         `json:"status"`
	Results    map[string]any `json:"results"`
	Metadata   Metadata       `json:"analysis_metadata"`
	RawContent string         `json:"rawContent"`
}

type Metadata struct {
	AnalysisType   string    `json:"analysis_type"`
	Timestamp      time.Time `json:"timestamp"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Attempts       int       `json:"attempts"`
	InputTokens    int64     `json:"input_tokens,omitempty"`
	OutputTokens   int64     `json:"output_tokens,omitempty"`
	Repaired       bool      `json:"repaired"`
	SchemaWarnings []string  `json:"schema_warnings,omitempty"`
}

// Clone returns a copy that shares no maps or slices with r.
func (r Result) Clone() Result {
	out := r
	if r.Results != nil {
		out.Results = cloneValue(r.Results).(map[string]any)
	}
	if r.Metadata.SchemaWarnings != nil {
		out.Metadata.SchemaWarnings = append([]string(nil), r.Metadata.SchemaWarnings...)
	}
	return out
}

// cloneValue copies the map and slice shapes produced by json.Unmarshal.
func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[key] = cloneValue(value)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			out[i] = cloneValue(value)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// checkSchema validates results against a JSON schema. Violations are
// reported, never fatal.
func checkSchema(schema []byte, results map[string]any) []string {
	if len(schema) == 0 {
		return nil
	}
	outcome, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(results))
	if err != nil {
		return []string{fmt.Sprintf("schema check skipped: %v", err)}
	}
	if outcome.Valid() {
		return nil
	}
	warnings := make([]string, 0, len(outcome.Errors()))
	for _, violation := range outcome.Errors() {
		warnings = append(warnings, violation.String())
	}
	return warnings
}
