package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPageToken is returned for page tokens this store did not issue.
var ErrInvalidPageToken = errors.New("invalid page token")

const pageTokenVersion = 1

// pagePosition is the keyset position after the last record of a page.
type pagePosition struct {
	Version int    `json:"v"`
	SortKey int64  `json:"s"`
	ID      string `json:"i"`
}

func encodePageToken(p pagePosition) string {
	p.Version = pageTokenVersion
	data, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodePageToken(token string) (pagePosition, error) {
	var p pagePosition
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if p.Version != pageTokenVersion {
		return p, fmt.Errorf("%w: unsupported version %d", ErrInvalidPageToken, p.Version)
	}
	return p, nil
}
