package util

import "github.com/bytedance/sonic"

var fastJSON = sonic.ConfigStd

// MarshalJSON encodes v with the sonic encoder. Output is compatible with
// encoding/json (ConfigStd keeps map keys sorted and escapes HTML).
func MarshalJSON(v interface{}) ([]byte, error) {
	return fastJSON.Marshal(v)
}

// UnmarshalJSON decodes data into v with the sonic decoder.
func UnmarshalJSON(data []byte, v interface{}) error {
	return fastJSON.Unmarshal(data, v)
}
