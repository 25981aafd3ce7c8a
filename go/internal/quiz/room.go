package quiz

import (
	"sort"
	"time"
)

// ScoringMode selects what scores accrue to: individual students or their departments.
type ScoringMode string

const (
	ScoringIndividual ScoringMode = "individual"
	ScoringDepartment ScoringMode = "department"
)

// Timing constants for the buzz window.
const (
	// BuzzWindowMS is the countdown window for each question, in milliseconds.
	BuzzWindowMS = 10000

	// TickMS is how much the countdown decrements per tick.
	TickMS = 100

	// TickInterval is the ticker period driving the countdown.
	TickInterval = 100 * time.Millisecond
)

// Scoring tiers: faster correct answers earn more points.
const (
	tierFastMS   = 3333
	tierMediumMS = 6666
)

// PointsForTime returns the points awarded for a correct answer given how many
// milliseconds elapsed between the buzz window opening and the winning buzz.
func PointsForTime(timeTakenMS int) int {
	switch {
	case timeTakenMS <= tierFastMS:
		return 3
	case timeTakenMS <= tierMediumMS:
		return 2
	default:
		return 1
	}
}

// Room holds the mutable state of one live quiz. It is a plain state machine
// with no locking of its own: all mutation goes through the owning Session's
// command loop, one command at a time.
type Room struct {
	RoomID string

	QuizStarted bool
	QuizEnded   bool

	Mode ScoringMode

	// CurrentQuestionIndex is a zero-based cursor into the externally owned
	// question list. The engine tracks only the cursor and the id of the
	// question currently in play.
	CurrentQuestionIndex int
	CurrentQuestionID    int64

	CurrentRound int

	// RemainingTime is the countdown in milliseconds. It resumes, rather than
	// resets, when the buzzer reopens after a wrong answer.
	RemainingTime int

	BuzzerActive bool

	// ActiveStudent is the single student currently holding the buzzer.
	// Empty string means nobody holds it.
	ActiveStudent string

	// Ineligible lists students barred from buzzing on the current question
	// after answering it incorrectly. Cleared on every question transition.
	Ineligible []string

	ShowAnswer bool

	// Scores is a display cache of cumulative totals per subject. It is not
	// the source of truth at quiz end; final scores are recomputed from the
	// persisted round scores.
	Scores map[string]int

	// RoundScores accumulates the current round only. It must be flushed to
	// durable storage before every reset.
	RoundScores map[string]int
}

// NewRoom creates a room in its pre-quiz state.
func NewRoom(roomID string) *Room {
	return &Room{
		RoomID:        roomID,
		Mode:          ScoringIndividual,
		CurrentRound:  1,
		RemainingTime: BuzzWindowMS,
		Scores:        make(map[string]int),
		RoundScores:   make(map[string]int),
	}
}

// StartQuiz opens the first buzz window.
func (r *Room) StartQuiz() {
	r.QuizStarted = true
	r.BuzzerActive = true
	r.RemainingTime = BuzzWindowMS
	r.ShowAnswer = false
}

// AdvanceQuestion moves the cursor to the next question and opens a fresh
// buzz window for it.
func (r *Room) AdvanceQuestion(questionID int64) {
	r.CurrentQuestionIndex++
	r.CurrentQuestionID = questionID
	r.BuzzerActive = true
	r.ActiveStudent = ""
	r.RemainingTime = BuzzWindowMS
	r.Ineligible = nil
	r.ShowAnswer = false
}

// AcceptBuzz records studentID as the buzz winner if the window is open and
// the student is still eligible on this question. Returns whether the buzz
// was accepted.
func (r *Room) AcceptBuzz(studentID string) bool {
	if !r.BuzzerActive || r.isIneligible(studentID) {
		return false
	}
	r.BuzzerActive = false
	r.ActiveStudent = studentID
	return true
}

func (r *Room) isIneligible(studentID string) bool {
	for _, id := range r.Ineligible {
		if id == studentID {
			return true
		}
	}
	return false
}

// TimeTaken returns how many milliseconds of the buzz window had elapsed when
// the countdown froze.
func (r *Room) TimeTaken() int {
	return BuzzWindowMS - r.RemainingTime
}

// AwardPoints credits a correct answer to the given subject and reveals the
// answer. RemainingTime is left untouched.
func (r *Room) AwardPoints(subject string, points int) {
	r.Scores[subject] += points
	r.RoundScores[subject] += points
	r.ActiveStudent = ""
	r.ShowAnswer = true
}

// MarkWrongAnswer bars the active student from re-buzzing on this question and
// reopens the buzzer. The countdown resumes from its current value.
func (r *Room) MarkWrongAnswer() {
	if r.ActiveStudent == "" {
		return
	}
	r.Ineligible = append(r.Ineligible, r.ActiveStudent)
	r.ActiveStudent = ""
	r.BuzzerActive = true
}

// StartNewRound resets per-round state and bumps the round counter. The caller
// must have flushed RoundScores first.
func (r *Room) StartNewRound() {
	r.QuizStarted = true
	r.QuizEnded = false
	r.BuzzerActive = true
	r.ActiveStudent = ""
	r.CurrentQuestionIndex = 0
	r.CurrentRound++
	r.RemainingTime = BuzzWindowMS
	r.Ineligible = nil
	r.ShowAnswer = false
	r.RoundScores = make(map[string]int)
}

// SetScoringMode switches the scoring subject kind and wipes both score maps.
// The engine permits this mid-quiz; discouraging it is the admin UI's job.
func (r *Room) SetScoringMode(mode ScoringMode) {
	r.Mode = mode
	r.Scores = make(map[string]int)
	r.RoundScores = make(map[string]int)
}

// Snapshot is the broadcast-safe view of a room: full state, no timer
// internals.
type Snapshot struct {
	RoomID               string         `json:"roomId"`
	IsQuizStarted        bool           `json:"isQuizStarted"`
	IsQuizEnded          bool           `json:"isQuizEnded"`
	ScoringMode          ScoringMode    `json:"scoringMode"`
	IsBuzzerActive       bool           `json:"isBuzzerActive"`
	ActiveStudent        *string        `json:"activeStudent"`
	CurrentQuestionIndex int            `json:"currentQuestionIndex"`
	CurrentQuestionID    int64          `json:"currentQuestionId"`
	CurrentRound         int            `json:"currentRound"`
	RemainingTime        int            `json:"remainingTime"`
	IneligibleStudents   []string       `json:"ineligibleStudents"`
	ShowAnswer           bool           `json:"showAnswer"`
	Scores               map[string]int `json:"scores"`
	RoundScores          map[string]int `json:"roundScores"`

	// FinalScores is set only on QUIZ_ENDED, recomputed from durable storage.
	FinalScores map[string]int `json:"finalScores,omitempty"`
}

// Snapshot copies the room state into a broadcast-safe value.
func (r *Room) Snapshot() Snapshot {
	snap := Snapshot{
		RoomID:               r.RoomID,
		IsQuizStarted:        r.QuizStarted,
		IsQuizEnded:          r.QuizEnded,
		ScoringMode:          r.Mode,
		IsBuzzerActive:       r.BuzzerActive,
		CurrentQuestionIndex: r.CurrentQuestionIndex,
		CurrentQuestionID:    r.CurrentQuestionID,
		CurrentRound:         r.CurrentRound,
		RemainingTime:        r.RemainingTime,
		IneligibleStudents:   append([]string(nil), r.Ineligible...),
		ShowAnswer:           r.ShowAnswer,
		Scores:               copyScores(r.Scores),
		RoundScores:          copyScores(r.RoundScores),
	}
	if r.ActiveStudent != "" {
		active := r.ActiveStudent
		snap.ActiveStudent = &active
	}
	sort.Strings(snap.IneligibleStudents)
	return snap
}

func copyScores(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
