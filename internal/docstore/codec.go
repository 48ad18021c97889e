package docstore

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeFields serializes a document body for the Redis backend.
func encodeFields(fields Fields) ([]byte, error) {
	data, err := msgpack.Marshal(map[string]any(fields))
	if err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	return data, nil
}

// decodeFields is the inverse of encodeFields. Integers come back as int64
// or uint64 and nested maps as map[string]any.
func decodeFields(data []byte) (Fields, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("docstore: decode: %w", err)
	}
	return Fields(m), nil
}
