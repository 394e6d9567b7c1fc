package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Codec converts between wire bytes and documents.
// Implementations must be free of side effects and safe for concurrent use.
type Codec interface {
	Decode(data []byte) (Document, error)
	Encode(doc Document) ([]byte, error)
}

// JSON is the default codec.
var JSON Codec = jsonCodec{}

// jsonCodec decodes numbers as json.Number so they round-trip unchanged,
// accepts any insignificant whitespace and writes compact output without
// HTML escaping.
type jsonCodec struct{}

// Decode parses data as a single JSON object.
func (jsonCodec) Decode(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Reject trailing data such as `{}{}` or `{} x`
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T, not an object", ErrMalformed, v)
	}
	return Document(obj), nil
}

// Encode serializes doc compactly.
func (jsonCodec) Encode(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return nil, err
	}

	// Encoder terminates every value with a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
