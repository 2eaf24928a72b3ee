package memory

import (
	"encoding/json"
	"fmt"
)

// Patch is a partial update applied to a record's JSON tree. Nested maps
// merge into existing objects, any other value (arrays included) replaces
// the target wholesale, and a nil value clears the field to JSON null.
// Values may be typed structs; they are flattened to JSON before merging.
type Patch map[string]any

func (p Patch) touches(keys ...string) bool {
	for _, k := range keys {
		if _, ok := p[k]; ok {
			return true
		}
	}
	return false
}

// tree converts the patch into plain JSON values.
func (p Patch) tree() (map[string]any, error) {
	data, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal patch: %w", err)
	}
	return out, nil
}

// deepMerge applies src onto dst in place and returns dst.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, value := range src {
		srcObj, srcIsObj := value.(map[string]any)
		if !srcIsObj {
			dst[key] = value
			continue
		}
		if dstObj, ok := dst[key].(map[string]any); ok {
			dst[key] = deepMerge(dstObj, srcObj)
			continue
		}
		dst[key] = deepMerge(nil, srcObj)
	}
	return dst
}
