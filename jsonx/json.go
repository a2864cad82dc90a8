package jsonx

import (
	"encoding/json"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is a raw encoded JSON value, kept byte-for-byte.
type RawMessage = json.RawMessage

func Marshal(v interface{}) ([]byte, error) {
	return jsonx.Marshal(v)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return jsonx.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v interface{}) error {
	return jsonx.Unmarshal(data, v)
}

func NewDecoder(r io.Reader) *jsoniter.Decoder {
	return jsonx.NewDecoder(r)
}

func NewEncoder(w io.Writer) *jsoniter.Encoder {
	return jsonx.NewEncoder(w)
}
