package hub

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentbridge/internal/domain"
)

// inboundSchema constrains the frames a client may send.
const inboundSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type":      {"enum": ["register", "direct", "broadcast", "heartbeat"]},
    "ref":       {"type": "string", "maxLength": 128},
    "sender":    {"type": "string", "maxLength": 256},
    "recipient": {"type": "string", "minLength": 1, "maxLength": 256},
    "content":   {"type": "string"}
  },
  "allOf": [
    {"if": {"properties": {"type": {"const": "register"}}},
     "then": {"required": ["sender"], "properties": {"sender": {"minLength": 1}}}},
    {"if": {"properties": {"type": {"const": "direct"}}},
     "then": {"required": ["recipient", "content"]}},
    {"if": {"properties": {"type": {"const": "broadcast"}}},
     "then": {"required": ["content"]}}
  ]
}`

// frameValidator checks raw inbound frames against inboundSchema.
type frameValidator struct {
	schema *jsonschema.Schema
}

func newFrameValidator() (*frameValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.json", bytes.NewReader([]byte(inboundSchema))); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	compiled, err := compiler.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &frameValidator{schema: compiled}, nil
}

// Decode validates raw and unmarshals it into a Frame. A nil validator only
// decodes.
func (v *frameValidator) Decode(raw []byte) (Frame, error) {
	if v != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", domain.ErrFrameInvalid, err)
		}
		if err := v.schema.Validate(doc); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", domain.ErrFrameInvalid, err)
		}
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", domain.ErrFrameInvalid, err)
	}
	return f, nil
}
