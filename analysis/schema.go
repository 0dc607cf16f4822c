package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/docrelay/errors"
)

// Output is the strict summary contract the model must return.
type Output struct {
	Title            string   `json:"title"`
	ExecutiveSummary string   `json:"executiveSummary"`
	KeyPoints        []string `json:"keyPoints"`
	ImportantFacts   []string `json:"importantFacts"`
	Insights         string   `json:"insights"`
	TLDR             string   `json:"tldr"`
}

// Limits carried by the schema and the prompt
const (
	MaxTitleLength = 100
	MaxTLDRLength  = 150
)

var summarySchema = gojsonschema.NewStringLoader(fmt.Sprintf(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["title", "executiveSummary", "keyPoints", "importantFacts", "insights", "tldr"],
  "definitions": {
    "text": {"type": "string", "minLength": 1, "pattern": "\\S"}
  },
  "properties": {
    "title":            {"allOf": [{"$ref": "#/definitions/text"}, {"maxLength": %d}]},
    "executiveSummary": {"$ref": "#/definitions/text"},
    "keyPoints":        {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/text"}},
    "importantFacts":   {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/text"}},
    "insights":         {"$ref": "#/definitions/text"},
    "tldr":             {"allOf": [{"$ref": "#/definitions/text"}, {"maxLength": %d}]}
  }
}`, MaxTitleLength, MaxTLDRLength))

var compiledSchema = mustCompile()

func mustCompile() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(summarySchema)
	if err != nil {
		panic(fmt.Sprintf("analysis: invalid summary schema: %v", err))
	}
	return s
}

// ParseOutput validates raw model output against the summary schema and
// decodes it. Anything off-contract yields *errors.AnalysisFormatError.
func ParseOutput(raw string) (*Output, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, &errors.AnalysisFormatError{
			Err: fmt.Errorf("empty response: %w", errors.ErrParsingFailed),
		}
	}

	result, err := compiledSchema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return nil, &errors.AnalysisFormatError{
			Err: fmt.Errorf("response is not JSON: %v: %w", err, errors.ErrParsingFailed),
		}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, &errors.AnalysisFormatError{Problems: problems, Err: errors.ErrInvalidData}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	var out Output
	if err := dec.Decode(&out); err != nil {
		return nil, &errors.AnalysisFormatError{
			Err: fmt.Errorf("decode summary: %v: %w", err, errors.ErrParsingFailed),
		}
	}
	if dec.More() {
		return nil, &errors.AnalysisFormatError{
			Err: fmt.Errorf("trailing data after summary object: %w", errors.ErrParsingFailed),
		}
	}
	return &out, nil
}

// stripFences removes a surrounding markdown code fence some models add
// even in JSON mode.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
