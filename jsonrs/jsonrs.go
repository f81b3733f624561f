// Package jsonrs is the JSON codec used across the service, backed by
// github.com/json-iterator/go in its stdlib-compatible configuration
// (map keys are sorted, which admission relies on for canonical
// serialization of job params).
package jsonrs

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func MarshalToString(v any) (string, error) {
	return api.MarshalToString(v)
}

func NewDecoder(r io.Reader) *jsoniter.Decoder {
	return api.NewDecoder(r)
}

func NewEncoder(w io.Writer) *jsoniter.Encoder {
	return api.NewEncoder(w)
}
