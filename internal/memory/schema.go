package memory

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// recordSchema is the minimum shape a file must have to be treated as a
// memory record. Everything else is optional so older and newer writers can
// share a directory.
const recordSchemaJSON = `{
  "type": "object",
  "required": ["memoryId", "meta", "content"],
  "properties": {
    "memoryId": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "meta": {
      "type": "object",
      "required": ["createdAt"],
      "properties": {
        "createdAt": {"type": "string"},
        "participants": {"type": "array", "items": {"type": "string"}},
        "compressionStage": {"enum": ["raw", "v1", "v2"]},
        "compressedAt": {"type": ["string", "null"]}
      }
    },
    "content": {"type": "object"},
    "tags": {"type": ["array", "null"], "items": {"type": "string"}},
    "vectorIndex": {"type": "object"}
  }
}`

var recordSchema = jsonschema.MustCompileString("memory-record.json", recordSchemaJSON)

func validateRecordTree(tree any) error {
	return recordSchema.Validate(tree)
}
