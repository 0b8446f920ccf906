package broadcast

// Per-type JSON schemas for inbound broadcast messages. Every message must
// match the base envelope plus its own type-specific requirements; a message
// whose type has no schema here is rejected outright.

const baseEnvelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"type": {"type": "string"},
		"scope_id": {"type": "string"},
		"sender_id": {"type": "string", "minLength": 36, "maxLength": 36},
		"sequence": {"type": "integer", "minimum": 1},
		"sent_at_ms": {"type": "integer", "minimum": 0}
	},
	"required": ["type", "sender_id", "sequence"]
}`

const tabSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"source_url": {"type": "string"},
		"embedded_url": {"type": "string"},
		"left": {"type": "integer"},
		"top": {"type": "integer"},
		"width": {"type": "integer", "minimum": 0},
		"height": {"type": "integer", "minimum": 0},
		"minimized": {"type": "boolean"},
		"slot": {"type": "integer", "minimum": 0},
		"z_order": {"type": "integer"},
		"scope_id": {"type": "string"},
		"lifecycle_state": {"type": "string"},
		"updated_at_ms": {"type": "integer"}
	},
	"required": ["id", "embedded_url", "scope_id"]
}`

const createSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$ref": "base.json",
	"properties": {
		"tab": {"$ref": "tab.json"}
	},
	"required": ["tab"]
}`

const updatePositionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$ref": "base.json",
	"properties": {
		"tab_id": {"type": "string", "minLength": 1},
		"position": {
			"type": "object",
			"properties": {
				"left": {"type": "integer"},
				"top": {"type": "integer"}
			},
			"required": ["left", "top"]
		}
	},
	"required": ["tab_id", "position"]
}`

const updateSizeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$ref": "base.json",
	"properties": {
		"tab_id": {"type": "string", "minLength": 1},
		"size": {
			"type": "object",
			"properties": {
				"width": {"type": "integer", "minimum": 0},
				"height": {"type": "integer", "minimum": 0}
			},
			"required": ["width", "height"]
		}
	},
	"required": ["tab_id", "size"]
}`

const tabIDOnlySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$ref": "base.json",
	"properties": {
		"tab_id": {"type": "string", "minLength": 1}
	},
	"required": ["tab_id"]
}`

const snapshotSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$ref": "base.json",
	"properties": {
		"tabs": {"type": "array", "items": {"$ref": "tab.json"}}
	},
	"required": ["tabs"]
}`
