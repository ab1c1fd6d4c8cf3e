package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"campus/cmd/internal/realtime"
	v1 "campus/contracts/realtime/v1"

	"github.com/google/uuid"
)

const (
	maxContentRunes = 2000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Service implements course messaging: validate, authorize, persist, then
// broadcast to the live channel on a best-effort basis.
//
// Persistence is the source of truth. A message whose insert succeeded is
// sent even when no live channel exists or the broadcast fails; subscribers
// that miss the live event converge through history queries.
type Service struct {
	log      *slog.Logger
	store    MessageStore
	access   AccessStore
	registry *realtime.Registry
}

// ServiceOption configures a Service.
type ServiceOption func(*Service) error

// WithChannelRegistry supplies the live channel registry used for
// best-effort broadcast. Without it every send is persist-only.
func WithChannelRegistry(r *realtime.Registry) ServiceOption {
	return func(s *Service) error {
		if r == nil {
			return errors.New("messaging: nil registry")
		}
		s.registry = r
		return nil
	}
}

// NewService constructs a messaging Service.
func NewService(log *slog.Logger, store MessageStore, access AccessStore, opts ...ServiceOption) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("messaging: nil store")
	}
	if access == nil {
		return nil, errors.New("messaging: nil access store")
	}

	s := &Service{log: log, store: store, access: access}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SendMessage validates, authorizes, persists, and broadcasts a message.
// A nil recipientID sends to the whole course; a non-nil one sends
// privately to that user.
//
// Order matters: nothing is persisted for a request that fails validation
// or authorization, and a persisted message is never unsent by a broadcast
// failure.
func (s *Service) SendMessage(ctx context.Context, courseID, senderID string, recipientID *string, content string) (Message, error) {
	courseID = strings.TrimSpace(courseID)
	senderID = strings.TrimSpace(senderID)
	if courseID == "" {
		return Message{}, fmt.Errorf("%w: missing course id", ErrInvalidArgument)
	}
	if senderID == "" {
		return Message{}, fmt.Errorf("%w: missing sender id", ErrInvalidArgument)
	}
	if recipientID != nil {
		trimmed := strings.TrimSpace(*recipientID)
		if trimmed == "" {
			return Message{}, fmt.Errorf("%w: empty recipient id", ErrInvalidArgument)
		}
		recipientID = &trimmed
	}

	if err := s.authorize(ctx, senderID, courseID); err != nil {
		return Message{}, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, fmt.Errorf("%w: empty content", ErrValidation)
	}
	if n := len([]rune(content)); n > maxContentRunes {
		return Message{}, fmt.Errorf("%w: content too long: %d > %d chars", ErrValidation, n, maxContentRunes)
	}

	if recipientID != nil {
		if err := s.authorize(ctx, *recipientID, courseID); err != nil {
			return Message{}, err
		}
	}

	msg, err := s.store.InsertMessage(ctx, InsertMessageInput{
		CourseID:    courseID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.broadcast(ctx, msg)
	return msg, nil
}

// GetCourseMessages returns group message history for a course in
// chronological order. before pages backwards through older messages.
func (s *Service) GetCourseMessages(ctx context.Context, courseID, userID string, limit int, before *time.Time) ([]Message, error) {
	courseID = strings.TrimSpace(courseID)
	userID = strings.TrimSpace(userID)
	if courseID == "" {
		return nil, fmt.Errorf("%w: missing course id", ErrInvalidArgument)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidArgument)
	}

	if err := s.authorize(ctx, userID, courseID); err != nil {
		return nil, err
	}

	msgs, err := s.store.QueryCourse(ctx, courseID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	reverseMessages(msgs)
	return msgs, nil
}

// GetConversation returns the private messages between two users in a
// course, both directions, in chronological order. before pages backwards
// through older messages. Both participants must hold course access.
func (s *Service) GetConversation(ctx context.Context, courseID, userA, userB string, limit int, before *time.Time) ([]Message, error) {
	courseID = strings.TrimSpace(courseID)
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if courseID == "" {
		return nil, fmt.Errorf("%w: missing course id", ErrInvalidArgument)
	}
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: missing participant id", ErrInvalidArgument)
	}

	if err := s.authorize(ctx, userA, courseID); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userB, courseID); err != nil {
		return nil, err
	}

	msgs, err := s.store.QueryConversation(ctx, courseID, userA, userB, limit, before)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	reverseMessages(msgs)
	return msgs, nil
}

// DeleteMessage removes a message. Only the sender or the course
// instructor may delete; deletions are not broadcast.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID string) error {
	messageID = strings.TrimSpace(messageID)
	userID = strings.TrimSpace(userID)
	if messageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidArgument)
	}
	if userID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidArgument)
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if msg.SenderID != userID {
		instructor, err := s.access.CourseInstructor(ctx, msg.CourseID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if instructor == "" || instructor != userID {
			return fmt.Errorf("%w: user %s may not delete message %s", ErrUnauthorized, userID, messageID)
		}
	}

	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.log.Info("msg.delete", "message_id", messageID, "course_id", msg.CourseID, "by", userID)
	return nil
}

func (s *Service) authorize(ctx context.Context, userID, courseID string) error {
	ok, err := s.access.HasCourseAccess(ctx, userID, courseID)
	if err != nil {
		return fmt.Errorf("%w: access check: %v", ErrPersistence, err)
	}
	if !ok {
		return fmt.Errorf("%w: user %s has no access to course %s", ErrUnauthorized, userID, courseID)
	}
	return nil
}

// broadcast delivers a stored message to the live channel, best effort.
// Failures are logged and never surfaced: history is the source of truth.
func (s *Service) broadcast(ctx context.Context, msg Message) {
	if s.registry == nil {
		return
	}
	ch, ok := s.registry.Get(realtime.CourseMessagesChannel(msg.CourseID))
	if !ok {
		return
	}

	data, err := json.Marshal(toWire(msg))
	if err != nil {
		s.log.Info("msg.send.broadcast_skip", "message_id", msg.ID, "err", err)
		return
	}
	id := uuid.NewString()

	if msg.RecipientID == nil {
		if err := ch.Broadcast(ctx, realtime.MessageEvent, id, data); err != nil {
			s.log.Info("msg.send.broadcast_skip", "message_id", msg.ID, "err", err)
		}
		return
	}

	// Private messages ride user-scoped events so only the two
	// participants' handlers ever see them.
	for _, uid := range []string{msg.SenderID, *msg.RecipientID} {
		if err := ch.Broadcast(ctx, realtime.DirectMessageEvent(uid), id, data); err != nil {
			s.log.Info("msg.send.broadcast_skip", "message_id", msg.ID, "recipient", uid, "err", err)
		}
	}
}

func toWire(m Message) v1.ChatMessage {
	return v1.ChatMessage{
		ID:          m.ID,
		CourseID:    m.CourseID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		SenderName:  m.SenderName,
		SenderRole:  m.SenderRole,
		CreatedAt:   m.CreatedAt,
	}
}

func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
