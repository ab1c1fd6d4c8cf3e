package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// newSessionKey returns a ULID used as a per-subscription session key.
// ULIDs sort by creation time, which keeps presence state maps readable
// in logs. Falls back to random hex if ULID generation fails.
func newSessionKey() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return newRandomHex(13)
	}
	return id.String()
}

// newRandomHex returns a cryptographically secure random hex string of
// length 2*nBytes. If nBytes <= 0, it defaults to 16 bytes.
func newRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
