package router

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// NeedsVector is the classifier's coarse judgment of what a request requires.
type NeedsVector struct {
	NeedsCode          bool `json:"needs_code"`
	NeedsResearch      bool `json:"needs_research"`
	NeedsOps           bool `json:"needs_ops"`
	NeedsClarification bool `json:"needs_clarification"`
}

// AnalyzedTask is one classifier-produced sub-task. DependsOn, when set,
// references the index of another task in the same batch.
type AnalyzedTask struct {
	Description string `json:"description"`
	Capability  string `json:"capability"`
	DependsOn   *int   `json:"depends_on,omitempty"`
}

// CapabilityAnalysis is the full classifier output for one user request.
type CapabilityAnalysis struct {
	Needs      NeedsVector    `json:"needs"`
	Tasks      []AnalyzedTask `json:"tasks"`
	Confidence float64        `json:"confidence"`
	Question   string         `json:"question,omitempty"`
}

// analysisSchema constrains classifier output before it reaches routing.
// depends_on is range-checked again against the actual batch in Route.
const analysisSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["needs", "tasks"],
  "properties": {
    "needs": {
      "type": "object",
      "properties": {
        "needs_code": {"type": "boolean"},
        "needs_research": {"type": "boolean"},
        "needs_ops": {"type": "boolean"},
        "needs_clarification": {"type": "boolean"}
      }
    },
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description", "capability"],
        "properties": {
          "description": {"type": "string", "minLength": 1},
          "capability": {"type": "string", "minLength": 1},
          "depends_on": {"type": "integer", "minimum": 0}
        }
      }
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "question": {"type": "string"}
  }
}`

var compiledAnalysisSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(analysisSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal analysis schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("analysis.json", doc); err != nil {
		return nil, fmt.Errorf("add analysis schema resource: %w", err)
	}
	return c.Compile("analysis.json")
})

// ParseAnalysis extracts the JSON object from raw classifier text (which may
// wrap it in a fenced block or prose), validates it against the analysis
// schema, and unmarshals it.
func ParseAnalysis(responseText string) (*CapabilityAnalysis, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return nil, fmt.Errorf("classifier response contains no JSON")
	}

	schema, err := compiledAnalysisSchema()
	if err != nil {
		return nil, err
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid classifier JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("classifier output failed schema validation: %w", err)
	}

	var analysis CapabilityAnalysis
	if err := json.Unmarshal([]byte(jsonStr), &analysis); err != nil {
		return nil, fmt.Errorf("decode classifier JSON: %w", err)
	}
	return &analysis, nil
}

// extractJSON finds a JSON object in the response text: fenced ```json block
// first, then generic fenced block, then the first balanced raw object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced JSON object starting at s[0], honoring
// string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
