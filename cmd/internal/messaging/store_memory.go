package messaging

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerCourse = 10_000
)

// MemoryStore is a dev and test fallback when no database is configured.
// Sender display fields are resolved from registered profiles at read
// time, mirroring the join the SQL store performs.
type MemoryStore struct {
	mu       sync.Mutex
	seq      int64
	byID     map[string]*memRow
	byCourse map[string][]*memRow
	profiles map[string]memProfile
}

type memRow struct {
	msg Message
	seq int64
}

type memProfile struct {
	name string
	role string
}

// NewMemoryStore constructs an empty in-memory MessageStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*memRow),
		byCourse: make(map[string][]*memRow),
		profiles: make(map[string]memProfile),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// RegisterProfile records display info used to enrich query results.
func (s *MemoryStore) RegisterProfile(userID, displayName, role string) {
	s.mu.Lock()
	s.profiles[userID] = memProfile{name: displayName, role: role}
	s.mu.Unlock()
}

// InsertMessage persists a message and returns the stored row.
func (s *MemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if in.CourseID == "" || in.SenderID == "" || in.Content == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg := Message{
		ID:          newMessageID(now),
		CourseID:    in.CourseID,
		SenderID:    in.SenderID,
		RecipientID: cloneRecipient(in.RecipientID),
		Content:     in.Content,
		CreatedAt:   now,
	}
	row := &memRow{msg: msg, seq: s.seq}
	s.byID[msg.ID] = row
	rows := append(s.byCourse[in.CourseID], row)

	// Bound memory to avoid unbounded growth in dev.
	if len(rows) > memMaxMessagesPerCourse {
		drop := rows[:len(rows)-memMaxMessagesPerCourse]
		for _, r := range drop {
			delete(s.byID, r.msg.ID)
		}
		rows = rows[len(rows)-memMaxMessagesPerCourse:]
	}
	s.byCourse[in.CourseID] = rows

	return s.enrichLocked(msg), nil
}

// QueryCourse returns group messages for a course, newest first.
func (s *MemoryStore) QueryCourse(ctx context.Context, courseID string, limit int, before *time.Time) ([]Message, error) {
	if courseID == "" {
		return nil, errors.New("missing course id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, limit)
	rows := s.sortedLocked(courseID)
	for _, r := range rows {
		if r.msg.RecipientID != nil {
			continue
		}
		if before != nil && !r.msg.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, s.enrichLocked(r.msg))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// QueryConversation returns the private messages exchanged between two
// users in a course, in either direction, newest first, optionally older
// than a timestamp.
func (s *MemoryStore) QueryConversation(ctx context.Context, courseID, userA, userB string, limit int, before *time.Time) ([]Message, error) {
	if courseID == "" || userA == "" || userB == "" {
		return nil, errors.New("missing identifier")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, limit)
	for _, r := range s.sortedLocked(courseID) {
		if r.msg.RecipientID == nil {
			continue
		}
		rcpt := *r.msg.RecipientID
		pair := (r.msg.SenderID == userA && rcpt == userB) ||
			(r.msg.SenderID == userB && rcpt == userA)
		if !pair {
			continue
		}
		if before != nil && !r.msg.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, s.enrichLocked(r.msg))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetMessage returns a stored message by id.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return s.enrichLocked(row.msg), nil
}

// DeleteMessage removes a stored message by id.
func (s *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)

	rows := s.byCourse[row.msg.CourseID]
	for i, r := range rows {
		if r == row {
			s.byCourse[row.msg.CourseID] = append(rows[:i], rows[i+1:]...)
			break
		}
	}
	return nil
}

// sortedLocked returns course rows newest first. Insertion seq breaks
// timestamp ties deterministically.
func (s *MemoryStore) sortedLocked(courseID string) []*memRow {
	rows := append([]*memRow(nil), s.byCourse[courseID]...)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].msg.CreatedAt.Equal(rows[j].msg.CreatedAt) {
			return rows[i].seq > rows[j].seq
		}
		return rows[i].msg.CreatedAt.After(rows[j].msg.CreatedAt)
	})
	return rows
}

func (s *MemoryStore) enrichLocked(m Message) Message {
	if p, ok := s.profiles[m.SenderID]; ok {
		m.SenderName = p.name
		m.SenderRole = p.role
	}
	m.RecipientID = cloneRecipient(m.RecipientID)
	return m
}

func cloneRecipient(r *string) *string {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
