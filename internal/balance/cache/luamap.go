package cache

import (
	"bytes"
	"encoding/json"
)

// luaMap decodes a JSON object that Lua may have emitted as "[]" when empty.
type luaMap[V any] map[string]V

func (m *luaMap[V]) UnmarshalJSON(data []byte) error {
	out := map[string]V{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("[]")) && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}
