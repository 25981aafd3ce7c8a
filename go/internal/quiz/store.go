package quiz

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups when the referenced row does not
// exist.
var ErrNotFound = errors.New("not found")

// Department is the scoring subject in department mode.
type Department struct {
	ID   int64
	Name string
}

// Store is the persistence gateway the session engine calls into. Writes are
// expected to retry transient failures internally before reporting an error.
type Store interface {
	// QuestionRound returns the round number a question belongs to.
	QuestionRound(ctx context.Context, questionID int64) (int, error)

	// StudentDepartment resolves the department a student belongs to.
	StudentDepartment(ctx context.Context, studentID string) (Department, error)

	// DepartmentByName resolves a department id from its display name.
	DepartmentByName(ctx context.Context, name string) (int64, error)

	// UpsertQuestionScore records the per-question analytics score for a
	// student. Last write wins on conflict.
	UpsertQuestionScore(ctx context.Context, roomID, studentID string, questionID int64, score int) error

	// UpsertStudentRoundScore adds score to the student's total for the given
	// round, inserting the row if absent.
	UpsertStudentRoundScore(ctx context.Context, roomID, studentID string, round, score int) error

	// UpsertDepartmentRoundScore writes the department aggregate for the given
	// round, overwriting on conflict.
	UpsertDepartmentRoundScore(ctx context.Context, roomID string, departmentID int64, round, score int) error

	// SumStudentRoundScores totals every persisted round score for the room,
	// grouped by student id.
	SumStudentRoundScores(ctx context.Context, roomID string) (map[string]int, error)

	// SumDepartmentRoundScores totals every persisted round score for the
	// room, grouped by department name.
	SumDepartmentRoundScores(ctx context.Context, roomID string) (map[string]int, error)

	// SetSessionActive flips the room's persisted active flag.
	SetSessionActive(ctx context.Context, roomID string, active bool) error
}
