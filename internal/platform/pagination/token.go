// Package pagination provides the opaque cursor token format shared by
// list endpoints. Repositories encode their Firestore cursor fields into
// a token and decode it back on the next page request.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPageToken reports a token the service did not mint.
var ErrInvalidPageToken = errors.New("pagination: invalid pageToken")

// Cursor carries the Firestore cursor values for a page boundary.
// Exactly one of StartAfter or StartAt is expected to be populated.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
	StartAt    []any `json:"startAt,omitempty"`
}

func (c Cursor) empty() bool {
	return len(c.StartAfter) == 0 && len(c.StartAt) == 0
}

// EncodeToken serialises the cursor into a URL-safe page token.
// An empty cursor yields an empty token.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.empty() {
		return "", nil
	}
	payload, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// DecodeToken reverses EncodeToken. Malformed input reports
// ErrInvalidPageToken so callers can map it to a client error.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(payload, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}
