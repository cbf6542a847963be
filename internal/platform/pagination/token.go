package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cursor is the keyset position after the last item of a page. Lists are ordered by creation time
// then document id, both descending.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
	// Scope fingerprints the filter the page was produced for.
	Scope string `json:"s,omitempty"`
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// EncodeToken renders the cursor as an opaque URL-safe token. The first page has an empty token.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.IsZero() {
		return "", nil
	}
	cursor.CreatedAt = cursor.CreatedAt.UTC()
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken reverses EncodeToken. Tokens missing either key are rejected.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if strings.TrimSpace(cursor.ID) == "" || cursor.CreatedAt.IsZero() {
		return Cursor{}, fmt.Errorf("%w: incomplete cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}

// DecodeScopedToken decodes token and rejects it when it was minted for another filter scope.
func DecodeScopedToken(token, scope string) (Cursor, error) {
	cursor, err := DecodeToken(token)
	if err != nil || cursor.IsZero() {
		return cursor, err
	}
	if cursor.Scope != scope {
		return Cursor{}, fmt.Errorf("%w: token does not match the current filter", ErrInvalidPageToken)
	}
	return cursor, nil
}
