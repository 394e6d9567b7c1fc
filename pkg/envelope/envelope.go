// Package envelope implements the typed JSON message envelope.
//
// On the wire every message is a single JSON object. The message type is
// carried at the top level under the reserved field MessageField; every other
// top-level field belongs to the application payload:
//
//	{"__MESSAGE__":"chat","room":"lobby","text":"hi"}
//
// Unpack removes the reserved field before the payload is handed to
// application code. Pack copies the payload and sets the reserved field,
// overwriting any field of the same name the caller supplied.
package envelope

import (
	"errors"
	"fmt"
	"maps"
)

// MessageField is the reserved top-level field carrying the message type.
const MessageField = "__MESSAGE__"

// Document is a decoded JSON object.
type Document map[string]any

// Common errors for the envelope package.
var (
	// ErrMalformed indicates the data is not a JSON object.
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingType indicates the reserved type field is absent.
	ErrMissingType = errors.New("missing message type")
	// ErrInvalidType indicates the reserved type field is not a string.
	ErrInvalidType = errors.New("message type is not a string")
)

// Inject returns a copy of payload with the reserved field set to msgType.
// A nil payload yields a document holding only the type.
func Inject(payload Document, msgType string) Document {
	doc := make(Document, len(payload)+1)
	maps.Copy(doc, payload)
	doc[MessageField] = msgType
	return doc
}

// Extract returns the message type carried by doc.
func Extract(doc Document) (string, error) {
	raw, ok := doc[MessageField]
	if !ok {
		return "", ErrMissingType
	}
	msgType, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: got %T", ErrInvalidType, raw)
	}
	return msgType, nil
}

// Strip returns a copy of doc without the reserved field.
func Strip(doc Document) Document {
	out := maps.Clone(doc)
	if out == nil {
		out = Document{}
	}
	delete(out, MessageField)
	return out
}

// Unpack decodes raw with codec and splits it into type and payload.
// The returned payload never contains the reserved field.
func Unpack(codec Codec, raw []byte) (string, Document, error) {
	doc, err := codec.Decode(raw)
	if err != nil {
		return "", nil, err
	}

	msgType, err := Extract(doc)
	if err != nil {
		return "", nil, err
	}

	// doc is freshly decoded and owned by us, so strip in place
	delete(doc, MessageField)
	return msgType, doc, nil
}

// Pack encodes payload with codec after injecting msgType.
// payload itself is never modified.
func Pack(codec Codec, msgType string, payload Document) ([]byte, error) {
	return codec.Encode(Inject(payload, msgType))
}
