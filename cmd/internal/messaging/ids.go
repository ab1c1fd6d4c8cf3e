package messaging

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// newMessageID returns a ULID message id.
// ULIDs sort lexically by creation time, which keeps ids useful for
// tracing and tie-breaking in logs.
func newMessageID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now.UTC()), rand.Reader)
	if err != nil {
		return newRandomHexID(13)
	}
	return id.String()
}

func newRandomHexID(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 13
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
