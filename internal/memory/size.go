package memory

import (
	"encoding/json"
	"fmt"
)

// numericSize is the accounted size of any number, whatever its Go type.
const numericSize = 8

// ValueSize returns the accounted byte size of a stored value: UTF-8 length
// for strings, raw length for byte slices, 1 for booleans, 8 for numbers
// and the JSON encoding length for everything else.
func ValueSize(v interface{}) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	case bool:
		return 1
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return numericSize
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return int64(len(fmt.Sprint(x)))
		}
		return int64(len(data))
	}
}

// entrySize charges the key as well, so empty values still cost something.
func entrySize(key string, v interface{}) int64 {
	return int64(len(key)) + ValueSize(v)
}
