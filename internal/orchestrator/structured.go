package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// parseStructured decodes the model's JSON answer. Near-miss output (code
// fences, trailing commas, single quotes) is repaired first. When nothing
// usable comes out the failure is returned as a value, never as an error.
func parseStructured(text string) (json.RawMessage, *canonical.InvalidResponseFormatError) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &canonical.InvalidResponseFormatError{Raw: text, Reason: "empty response"}
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, &canonical.InvalidResponseFormatError{Raw: text, Reason: err.Error()}
	}
	if !json.Valid([]byte(repaired)) {
		return nil, &canonical.InvalidResponseFormatError{Raw: text, Reason: "repaired output is still not valid JSON"}
	}
	return json.RawMessage(repaired), nil
}
