package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/TainYanTun/APIQ-interactive-quiz/go/internal/quiz"
)

// Postgres implements quiz.Store on a pgx connection pool. Writes go through
// the bounded retry wrapper; lookups fail fast so a command can be reissued.
type Postgres struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:  pool,
		clock: clockwork.NewRealClock(),
	}
}

// NewPostgresWithClock is for tests that want a fake clock driving the retry
// backoff.
func NewPostgresWithClock(pool *pgxpool.Pool, clock clockwork.Clock) *Postgres {
	return &Postgres{pool: pool, clock: clock}
}

func (p *Postgres) QuestionRound(ctx context.Context, questionID int64) (int, error) {
	var round int
	err := p.pool.QueryRow(ctx,
		`SELECT round FROM questions_bank WHERE id = $1`,
		questionID,
	).Scan(&round)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("question %d: %w", questionID, quiz.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up question round: %w", err)
	}
	return round, nil
}

func (p *Postgres) StudentDepartment(ctx context.Context, studentID string) (quiz.Department, error) {
	var dep quiz.Department
	err := p.pool.QueryRow(ctx,
		`SELECT d.id, d.name
		 FROM students s
		 JOIN departments d ON s.department_id = d.id
		 WHERE s.student_id = $1`,
		studentID,
	).Scan(&dep.ID, &dep.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return quiz.Department{}, fmt.Errorf("student %s: %w", studentID, quiz.ErrNotFound)
	}
	if err != nil {
		return quiz.Department{}, fmt.Errorf("failed to look up student department: %w", err)
	}
	return dep, nil
}

func (p *Postgres) DepartmentByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`SELECT id FROM departments WHERE name = $1`,
		name,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("department %q: %w", name, quiz.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up department: %w", err)
	}
	return id, nil
}

func (p *Postgres) UpsertQuestionScore(ctx context.Context, roomID, studentID string, questionID int64, score int) error {
	return withRetry(ctx, p.clock, "upsert question score", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO student_question_scores (session_id, student_id, question_id, score)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, student_id, question_id)
			 DO UPDATE SET score = EXCLUDED.score`,
			roomID, studentID, questionID, score,
		)
		return err
	})
}

func (p *Postgres) UpsertStudentRoundScore(ctx context.Context, roomID, studentID string, round, score int) error {
	return withRetry(ctx, p.clock, "upsert student round score", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO student_round_scores (session_id, student_id, round, score)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, student_id, round)
			 DO UPDATE SET score = student_round_scores.score + EXCLUDED.score`,
			roomID, studentID, round, score,
		)
		return err
	})
}

func (p *Postgres) UpsertDepartmentRoundScore(ctx context.Context, roomID string, departmentID int64, round, score int) error {
	return withRetry(ctx, p.clock, "upsert department round score", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO department_round_scores (session_id, department_id, round, score)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, department_id, round)
			 DO UPDATE SET score = EXCLUDED.score`,
			roomID, departmentID, round, score,
		)
		return err
	})
}

func (p *Postgres) SumStudentRoundScores(ctx context.Context, roomID string) (map[string]int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT student_id, SUM(score)
		 FROM student_round_scores
		 WHERE session_id = $1
		 GROUP BY student_id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sum student round scores: %w", err)
	}
	defer rows.Close()

	return scanTotals(rows)
}

func (p *Postgres) SumDepartmentRoundScores(ctx context.Context, roomID string) (map[string]int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT d.name, SUM(drs.score)
		 FROM department_round_scores drs
		 JOIN departments d ON drs.department_id = d.id
		 WHERE drs.session_id = $1
		 GROUP BY d.name`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sum department round scores: %w", err)
	}
	defer rows.Close()

	return scanTotals(rows)
}

func (p *Postgres) SetSessionActive(ctx context.Context, roomID string, active bool) error {
	return withRetry(ctx, p.clock, "set session active", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx,
			`UPDATE sessions SET is_active = $2 WHERE id = $1`,
			roomID, active,
		)
		return err
	})
}

func scanTotals(rows pgx.Rows) (map[string]int, error) {
	totals := make(map[string]int)
	for rows.Next() {
		var subject string
		var total int64
		if err := rows.Scan(&subject, &total); err != nil {
			return nil, fmt.Errorf("failed to scan score total: %w", err)
		}
		totals[subject] = int(total)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read score totals: %w", err)
	}
	return totals, nil
}
