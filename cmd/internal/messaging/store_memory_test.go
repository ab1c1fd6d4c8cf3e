package messaging

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedCourse(t *testing.T, s *MemoryStore, courseID string, n int, base time.Time) []Message {
	t.Helper()

	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.InsertMessage(context.Background(), InsertMessageInput{
			CourseID: courseID,
			SenderID: "alice",
			Content:  "message",
			Now:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestMemoryStore_QueryCourseNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msgs := seedCourse(t, s, "course-1", 3, base)

	got, err := s.QueryCourse(context.Background(), "course-1", 2, nil)
	if err != nil {
		t.Fatalf("QueryCourse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != msgs[2].ID || got[1].ID != msgs[1].ID {
		t.Fatalf("expected newest first, got %s then %s", got[0].ID, got[1].ID)
	}
}

func TestMemoryStore_QueryCourseBeforePaging(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msgs := seedCourse(t, s, "course-1", 3, base)

	// Page backwards from the newest message.
	before := msgs[2].CreatedAt
	got, err := s.QueryCourse(context.Background(), "course-1", 10, &before)
	if err != nil {
		t.Fatalf("QueryCourse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 older messages, got %d", len(got))
	}
	if got[0].ID != msgs[1].ID || got[1].ID != msgs[0].ID {
		t.Fatalf("unexpected page: %s then %s", got[0].ID, got[1].ID)
	}
}

func TestMemoryStore_QueryCourseExcludesPrivate(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if _, err := s.InsertMessage(context.Background(), InsertMessageInput{
		CourseID: "course-1", SenderID: "alice", Content: "group", Now: now,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	recipient := "bob"
	if _, err := s.InsertMessage(context.Background(), InsertMessageInput{
		CourseID: "course-1", SenderID: "alice", RecipientID: &recipient, Content: "private", Now: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	got, err := s.QueryCourse(context.Background(), "course-1", 10, nil)
	if err != nil {
		t.Fatalf("QueryCourse: %v", err)
	}
	if len(got) != 1 || got[0].Content != "group" {
		t.Fatalf("expected only the group message, got %+v", got)
	}
}

func TestMemoryStore_QueryConversationPairEitherDirection(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	insert := func(sender, recipient string, offset time.Duration) Message {
		t.Helper()
		msg, err := s.InsertMessage(context.Background(), InsertMessageInput{
			CourseID:    "course-1",
			SenderID:    sender,
			RecipientID: &recipient,
			Content:     "m",
			Now:         base.Add(offset),
		})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		return msg
	}

	ab := insert("alice", "bob", 0)
	ba := insert("bob", "alice", time.Minute)
	insert("alice", "carol", 2*time.Minute)

	got, err := s.QueryConversation(context.Background(), "course-1", "alice", "bob", 10, nil)
	if err != nil {
		t.Fatalf("QueryConversation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages in pair, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != ba.ID || got[1].ID != ab.ID {
		t.Fatalf("unexpected order: %s then %s", got[0].ID, got[1].ID)
	}
}

func TestMemoryStore_QueryConversationBeforePaging(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	recipient := func(u string) *string { return &u }
	msgs := make([]Message, 0, 3)
	for i, sender := range []string{"alice", "bob", "alice"} {
		other := "bob"
		if sender == "bob" {
			other = "alice"
		}
		msg, err := s.InsertMessage(context.Background(), InsertMessageInput{
			CourseID:    "course-1",
			SenderID:    sender,
			RecipientID: recipient(other),
			Content:     "m",
			Now:         base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		msgs = append(msgs, msg)
	}

	before := msgs[2].CreatedAt
	got, err := s.QueryConversation(context.Background(), "course-1", "alice", "bob", 10, &before)
	if err != nil {
		t.Fatalf("QueryConversation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages before cursor, got %d", len(got))
	}
	if got[0].ID != msgs[1].ID || got[1].ID != msgs[0].ID {
		t.Fatalf("unexpected page: %s then %s", got[0].ID, got[1].ID)
	}
}

func TestMemoryStore_ProfileEnrichment(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	s.RegisterProfile("alice", "Alice Chen", "instructor")

	msg, err := s.InsertMessage(context.Background(), InsertMessageInput{
		CourseID: "course-1", SenderID: "alice", Content: "hi", Now: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if msg.SenderName != "Alice Chen" || msg.SenderRole != "instructor" {
		t.Fatalf("insert result not enriched: %+v", msg)
	}

	got, err := s.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.SenderName != "Alice Chen" || got.SenderRole != "instructor" {
		t.Fatalf("get result not enriched: %+v", got)
	}
}

func TestMemoryStore_DeleteMessage(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	msg, err := s.InsertMessage(context.Background(), InsertMessageInput{
		CourseID: "course-1", SenderID: "alice", Content: "bye", Now: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	if err := s.DeleteMessage(context.Background(), msg.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := s.GetMessage(context.Background(), msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteMessage(context.Background(), msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}

	got, err := s.QueryCourse(context.Background(), "course-1", 10, nil)
	if err != nil {
		t.Fatalf("QueryCourse: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty course after delete, got %d", len(got))
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int
		want int
	}{
		{in: -1, want: defaultHistoryLimit},
		{in: 0, want: defaultHistoryLimit},
		{in: 25, want: 25},
		{in: maxHistoryLimit, want: maxHistoryLimit},
		{in: maxHistoryLimit + 1, want: maxHistoryLimit},
	}
	for _, tc := range cases {
		if got := clampLimit(tc.in); got != tc.want {
			t.Fatalf("clampLimit(%d)=%d want=%d", tc.in, got, tc.want)
		}
	}
}
