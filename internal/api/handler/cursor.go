package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/scenely/media-jobs/internal/api/storage"
)

// EncodeJobCursor packs a pagination cursor into an opaque URL-safe token.
func EncodeJobCursor(cursor *storage.JobCursor) (string, error) {
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeJobCursor unpacks a cursor token. An empty token decodes to nil.
func DecodeJobCursor(token string) (*storage.JobCursor, error) {
	if token == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}

	var cursor storage.JobCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return &cursor, nil
}
