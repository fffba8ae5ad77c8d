// Package jsoncodec is the single JSON implementation used across idemflow.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd

	// numberConfig keeps JSON numbers as json.Number so amounts survive
	// decoding into generic maps without float rounding.
	numberConfig = sonic.Config{
		EscapeHTML:     true,
		SortMapKeys:    true,
		ValidateString: true,
		CopyString:     true,
		UseNumber:      true,
	}.Froze()

	// canonicalConfig sorts map keys so equal values always encode to equal bytes.
	canonicalConfig = sonic.Config{
		SortMapKeys:    true,
		ValidateString: true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

// MarshalCanonical encodes v with sorted map keys.
func MarshalCanonical(v any) ([]byte, error) {
	return canonicalConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalNumbers decodes like Unmarshal but keeps numbers as json.Number.
func UnmarshalNumbers(data []byte, v any) error {
	return numberConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
