package messaging

import (
	"context"
	"sync"
)

// MemoryAccess is a dev and test AccessStore.
type MemoryAccess struct {
	mu          sync.Mutex
	instructors map[string]string
	enrolled    map[string]map[string]bool
}

// NewMemoryAccess constructs an empty in-memory AccessStore.
func NewMemoryAccess() *MemoryAccess {
	return &MemoryAccess{
		instructors: make(map[string]string),
		enrolled:    make(map[string]map[string]bool),
	}
}

// SetInstructor records the instructor for a course.
func (a *MemoryAccess) SetInstructor(courseID, userID string) {
	a.mu.Lock()
	a.instructors[courseID] = userID
	a.mu.Unlock()
}

// Enroll marks a user as actively enrolled in a course.
func (a *MemoryAccess) Enroll(courseID, userID string) {
	a.mu.Lock()
	m := a.enrolled[courseID]
	if m == nil {
		m = make(map[string]bool)
		a.enrolled[courseID] = m
	}
	m[userID] = true
	a.mu.Unlock()
}

// Withdraw removes a user's active enrollment.
func (a *MemoryAccess) Withdraw(courseID, userID string) {
	a.mu.Lock()
	delete(a.enrolled[courseID], userID)
	a.mu.Unlock()
}

// HasCourseAccess reports instructor or active enrollment access.
func (a *MemoryAccess) HasCourseAccess(ctx context.Context, userID, courseID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.instructors[courseID] == userID && userID != "" {
		return true, nil
	}
	return a.enrolled[courseID][userID], nil
}

// CourseInstructor returns the instructor user id, empty when unknown.
func (a *MemoryAccess) CourseInstructor(ctx context.Context, courseID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instructors[courseID], nil
}
