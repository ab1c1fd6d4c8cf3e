package v1

import (
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{
			name: "valid subscribe",
			env:  Envelope{V: Version, Type: TypeSubscribe, Topic: "course:1:messages", TS: now},
		},
		{
			name: "valid broadcast",
			env:  Envelope{V: Version, Type: TypeBroadcast, Topic: "course:1:messages", TS: now},
		},
		{
			name: "error without topic",
			env:  Envelope{V: Version, Type: TypeError, TS: now},
		},
		{
			name:    "missing version",
			env:     Envelope{Type: TypeSubscribe, Topic: "course:1:messages"},
			wantErr: "missing field: v",
		},
		{
			name:    "wrong version",
			env:     Envelope{V: "v2", Type: TypeSubscribe, Topic: "course:1:messages"},
			wantErr: "unsupported protocol version",
		},
		{
			name:    "missing type",
			env:     Envelope{V: Version, Topic: "course:1:messages"},
			wantErr: "missing field: type",
		},
		{
			name:    "unknown type",
			env:     Envelope{V: Version, Type: "shout", Topic: "course:1:messages"},
			wantErr: "unknown type",
		},
		{
			name:    "subscribe without topic",
			env:     Envelope{V: Version, Type: TypeSubscribe},
			wantErr: "missing field: topic",
		},
		{
			name:    "presence track without topic",
			env:     Envelope{V: Version, Type: TypePresenceTrack},
			wantErr: "missing field: topic",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid envelope, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
