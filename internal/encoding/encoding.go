// Package encoding negotiates REST response encodings. JSON is the
// default; MessagePack is offered to clients that ask for it. The
// WebSocket wire always speaks JSON.
package encoding

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const ContentTypeMsgpack = "application/msgpack"
const ContentTypeJSON = "application/json"

// NegotiateContentType checks the Accept header and returns the preferred
// content type.
func NegotiateContentType(r *http.Request) string {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return ContentTypeJSON
	}

	if strings.Contains(accept, ContentTypeMsgpack) {
		return ContentTypeMsgpack
	}

	if strings.Contains(accept, "*/*") {
		return ContentTypeJSON
	}

	return ContentTypeJSON
}

// WriteNegotiated writes data with the encoding the request asked for.
func WriteNegotiated(w http.ResponseWriter, r *http.Request, status int, data any) error {
	if NegotiateContentType(r) == ContentTypeMsgpack {
		return WriteMsgpack(w, status, data)
	}
	return WriteJSON(w, status, data)
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteMsgpack writes a MessagePack response with the given status code.
func WriteMsgpack(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", ContentTypeMsgpack)
	w.WriteHeader(status)

	encoder := msgpack.NewEncoder(w)
	return encoder.Encode(data)
}
