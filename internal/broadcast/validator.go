package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dyluth/perch/pkg/board"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks inbound broadcast payloads against per-type JSON schemas
// before they are decoded into typed messages. Messages with an unknown type
// or a shape violation are rejected; a rejected message never reaches
// subscribers and never crashes the receiver.
type Validator struct {
	schemas map[board.MessageType]*jsonschema.Schema
}

// NewValidator compiles the per-type schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	shared := map[string]string{
		"base.json": baseEnvelopeSchema,
		"tab.json":  tabSchema,
	}
	for name, text := range shared {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("failed to register schema %s: %w", name, err)
		}
	}

	perType := map[board.MessageType]string{
		board.MessageTypeCreate:         createSchema,
		board.MessageTypeUpdatePosition: updatePositionSchema,
		board.MessageTypeUpdateSize:     updateSizeSchema,
		board.MessageTypeMinimize:       tabIDOnlySchema,
		board.MessageTypeRestore:        tabIDOnlySchema,
		board.MessageTypeClose:          tabIDOnlySchema,
		board.MessageTypeSnapshot:       snapshotSchema,
	}

	schemas := make(map[board.MessageType]*jsonschema.Schema, len(perType))
	for msgType, text := range perType {
		name := fmt.Sprintf("%s.json", msgType)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema for %s: %w", msgType, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("failed to register schema for %s: %w", msgType, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", msgType, err)
		}
		schemas[msgType] = schema
	}

	return &Validator{schemas: schemas}, nil
}

// Validate checks a raw payload and returns the decoded message.
// The payload must parse as JSON, carry a known type, satisfy that type's
// schema, and pass the envelope's structural checks.
func (v *Validator) Validate(payload []byte) (*board.BroadcastMessage, error) {
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("malformed message payload: %w", err)
	}

	obj, ok := instance.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message payload is not an object")
	}

	rawType, _ := obj["type"].(string)
	msgType := board.MessageType(rawType)
	schema, known := v.schemas[msgType]
	if !known {
		return nil, fmt.Errorf("unknown message type: %q", rawType)
	}

	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("message failed %s schema: %w", msgType, err)
	}

	var msg board.BroadcastMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return &msg, nil
}
