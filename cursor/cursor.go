// Package cursor implements the opaque keyset-pagination cursor: a
// URL-safe base64 rendering of a canonical JSON object holding the
// created_at timestamp and id of the last item of a page.
package cursor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks a cursor which could not be decoded. Callers treat an
// invalid cursor as no cursor at all rather than failing the request.
var ErrInvalid = errors.New("invalid cursor")

// Cursor is the keyset position after which the next page begins.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Zero returns true if this Cursor doesn't name a position.
func (c Cursor) Zero() bool {
	return c.CreatedAt.IsZero() && c.ID == uuid.Nil
}

// wireCursor is the canonical JSON form. Field order matches the sorted
// key order so encodings are deterministic.
type wireCursor struct {
	CreatedAt string `json:"created_at"`
	ID        string `json:"id"`
}

// Encode renders a Cursor as an opaque, URL-safe token. Encoding is
// deterministic: equal cursors always produce equal tokens.
func Encode(c Cursor) string {
	var b, err = json.Marshal(wireCursor{
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		ID:        c.ID.String(),
	})
	if err != nil {
		panic(err) // wireCursor cannot fail to marshal
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a token produced by Encode. Any malformed token, of
// whatever flavor of malformed, returns ErrInvalid.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, ErrInvalid
	}
	// Tolerate padded renderings from older clients.
	var raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return Cursor{}, ErrInvalid
	}

	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var wire wireCursor
	if err = dec.Decode(&wire); err != nil {
		return Cursor{}, ErrInvalid
	}
	id, err := uuid.Parse(wire.ID)
	if err != nil {
		return Cursor{}, ErrInvalid
	}
	at, err := time.Parse(time.RFC3339Nano, wire.CreatedAt)
	if err != nil {
		return Cursor{}, ErrInvalid
	}
	return Cursor{CreatedAt: at, ID: id}, nil
}
