package realtime

import (
	"encoding/json"
	"sync"
	"time"
)

// PresenceEntry is one user's live attendance on a presence channel.
// Entries are ephemeral shared state: the source of truth is "who is
// currently attached", recomputed from transport events, never stored.
type PresenceEntry struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Role        string         `json:"role,omitempty"`
	OnlineSince time.Time      `json:"online_since"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// PresenceState maps session key -> entries currently tracked under that
// key. A user with multiple concurrent sessions appears under several keys.
type PresenceState map[string][]PresenceEntry

// UserInfo is caller-supplied metadata merged into every tracked payload.
type UserInfo struct {
	DisplayName string
	Role        string
	Meta        map[string]any
}

// decodePresenceEntries converts raw transport metas into typed entries.
// Undecodable metas are skipped; presence is best-effort state, not data.
func decodePresenceEntries(metas [][]byte) []PresenceEntry {
	out := make([]PresenceEntry, 0, len(metas))
	for _, m := range metas {
		var e PresenceEntry
		if err := json.Unmarshal(m, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

func decodePresenceState(raw map[string][][]byte) PresenceState {
	state := make(PresenceState, len(raw))
	for key, metas := range raw {
		state[key] = decodePresenceEntries(metas)
	}
	return state
}

// presenceView holds the last aggregated snapshot for one presence channel.
type presenceView struct {
	mu   sync.Mutex
	last PresenceState
}

func (v *presenceView) replace(state PresenceState) {
	v.mu.Lock()
	v.last = state
	v.mu.Unlock()
}

// snapshot returns a copy callers may hold without racing the next sync.
func (v *presenceView) snapshot() PresenceState {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(PresenceState, len(v.last))
	for key, entries := range v.last {
		out[key] = append([]PresenceEntry(nil), entries...)
	}
	return out
}
