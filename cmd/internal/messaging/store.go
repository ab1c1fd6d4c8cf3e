package messaging

import (
	"context"
	"time"
)

// Message is the canonical persisted course message.
// A nil RecipientID means a group message visible to everyone in the
// course; a non-nil RecipientID scopes the message to sender and
// recipient only.
type Message struct {
	ID          string
	CourseID    string
	SenderID    string
	RecipientID *string
	Content     string
	SenderName  string
	SenderRole  string
	CreatedAt   time.Time
}

// InsertMessageInput describes a message insert request.
type InsertMessageInput struct {
	CourseID    string
	SenderID    string
	RecipientID *string
	Content     string
	Now         time.Time
}

// MessageStore persists and queries course messages.
//
// Requirements:
//   - QueryCourse returns group messages only (recipient is null),
//     newest first, optionally before a timestamp.
//   - QueryConversation returns the private messages between exactly two
//     users in either direction, newest first, optionally before a
//     timestamp.
//   - Stored rows carry sender display fields resolved at read time.
type MessageStore interface {
	InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error)
	QueryCourse(ctx context.Context, courseID string, limit int, before *time.Time) ([]Message, error)
	QueryConversation(ctx context.Context, courseID, userA, userB string, limit int, before *time.Time) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	Close() error
}

// AccessStore defines the authorization boundary for course messaging.
type AccessStore interface {
	// HasCourseAccess reports whether userID is the course instructor or
	// holds an active enrollment.
	HasCourseAccess(ctx context.Context, userID, courseID string) (bool, error)

	// CourseInstructor returns the instructor user id for a course, or
	// empty when the course is unknown.
	CourseInstructor(ctx context.Context, courseID string) (string, error)
}
