//go:build jsonv2

package output

import (
	jsonv2 "encoding/json/v2"
)

func jsonMarshal(value any) ([]byte, error) {
	return jsonv2.Marshal(value, jsonv2.Deterministic(true))
}

func jsonUnmarshal(data []byte, value any) error {
	return jsonv2.Unmarshal(data, value)
}
