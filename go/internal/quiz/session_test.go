package quiz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with per-operation failure injection.
type fakeStore struct {
	mu sync.Mutex

	rounds        map[int64]int
	departments   map[string]Department
	departmentIDs map[string]int64

	questionScores   map[string]int
	studentRound     map[string]int
	departmentRound  map[string]int
	studentSums      map[string]int
	departmentSums   map[string]int
	sessionActive    map[string]bool
	roundUpsertCalls int

	failures map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rounds:          make(map[int64]int),
		departments:     make(map[string]Department),
		departmentIDs:   make(map[string]int64),
		questionScores:  make(map[string]int),
		studentRound:    make(map[string]int),
		departmentRound: make(map[string]int),
		studentSums:     make(map[string]int),
		departmentSums:  make(map[string]int),
		sessionActive:   make(map[string]bool),
		failures:        make(map[string]error),
	}
}

func (f *fakeStore) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[op]
}

func (f *fakeStore) QuestionRound(ctx context.Context, questionID int64) (int, error) {
	if err := f.fail("QuestionRound"); err != nil {
		return 0, err
	}
	round, ok := f.rounds[questionID]
	if !ok {
		return 0, fmt.Errorf("question %d: %w", questionID, ErrNotFound)
	}
	return round, nil
}

func (f *fakeStore) StudentDepartment(ctx context.Context, studentID string) (Department, error) {
	if err := f.fail("StudentDepartment"); err != nil {
		return Department{}, err
	}
	dep, ok := f.departments[studentID]
	if !ok {
		return Department{}, fmt.Errorf("student %s: %w", studentID, ErrNotFound)
	}
	return dep, nil
}

func (f *fakeStore) DepartmentByName(ctx context.Context, name string) (int64, error) {
	if err := f.fail("DepartmentByName"); err != nil {
		return 0, err
	}
	id, ok := f.departmentIDs[name]
	if !ok {
		return 0, fmt.Errorf("department %q: %w", name, ErrNotFound)
	}
	return id, nil
}

func (f *fakeStore) UpsertQuestionScore(ctx context.Context, roomID, studentID string, questionID int64, score int) error {
	if err := f.fail("UpsertQuestionScore"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questionScores[fmt.Sprintf("%s|%s|%d", roomID, studentID, questionID)] = score
	return nil
}

func (f *fakeStore) UpsertStudentRoundScore(ctx context.Context, roomID, studentID string, round, score int) error {
	if err := f.fail("UpsertStudentRoundScore"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roundUpsertCalls++
	f.studentRound[fmt.Sprintf("%s|%s|%d", roomID, studentID, round)] += score
	return nil
}

func (f *fakeStore) UpsertDepartmentRoundScore(ctx context.Context, roomID string, departmentID int64, round, score int) error {
	if err := f.fail("UpsertDepartmentRoundScore"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roundUpsertCalls++
	f.departmentRound[fmt.Sprintf("%s|%d|%d", roomID, departmentID, round)] = score
	return nil
}

func (f *fakeStore) SumStudentRoundScores(ctx context.Context, roomID string) (map[string]int, error) {
	if err := f.fail("SumStudentRoundScores"); err != nil {
		return nil, err
	}
	return copyScores(f.studentSums), nil
}

func (f *fakeStore) SumDepartmentRoundScores(ctx context.Context, roomID string) (map[string]int, error) {
	if err := f.fail("SumDepartmentRoundScores"); err != nil {
		return nil, err
	}
	return copyScores(f.departmentSums), nil
}

func (f *fakeStore) SetSessionActive(ctx context.Context, roomID string, active bool) error {
	if err := f.fail("SetSessionActive"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionActive[roomID] = active
	return nil
}

// recordingBus captures broadcasts both in order and on a channel for loop
// tests.
type recordingBus struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecordingBus() *recordingBus {
	return &recordingBus{ch: make(chan Event, 128)}
}

func (b *recordingBus) Broadcast(roomID string, event Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	select {
	case b.ch <- event:
	default:
	}
}

func (b *recordingBus) types() []EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func (b *recordingBus) last() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

func newTestSession(t *testing.T) (*Session, *fakeStore, *recordingBus) {
	t.Helper()
	st := newFakeStore()
	bus := newRecordingBus()
	sess := NewSession("R1", st, bus, clockwork.NewFakeClock())
	return sess, st, bus
}

func TestSession_StartQuiz(t *testing.T) {
	req := require.New(t)
	sess, _, bus := newTestSession(t)

	sess.apply(context.Background(), Command{Type: CmdStartQuiz})

	req.True(sess.room.QuizStarted)
	req.True(sess.room.BuzzerActive)
	req.Equal(BuzzWindowMS, sess.room.RemainingTime)
	req.NotNil(sess.ticker)
	req.Equal([]EventType{EventQuizStarted}, bus.types())
}

func TestSession_Buzz_FirstProcessedWins(t *testing.T) {
	req := require.New(t)
	sess, _, bus := newTestSession(t)
	ctx := context.Background()

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	sess.apply(ctx, Command{Type: CmdBuzz, StudentID: "s1"})
	sess.apply(ctx, Command{Type: CmdBuzz, StudentID: "s2"})

	req.Equal("s1", sess.room.ActiveStudent)
	req.False(sess.room.BuzzerActive)
	req.Nil(sess.ticker, "countdown freezes on the winning buzz")
	// Only the accepted buzz broadcasts.
	req.Equal([]EventType{EventQuizStarted, EventBuzzerActivated}, bus.types())
}

func TestSession_Run_BuzzOrderIsEnqueueOrder(t *testing.T) {
	req := require.New(t)
	sess, _, bus := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	req.True(sess.Do(Command{Type: CmdStartQuiz}))
	req.True(sess.Do(Command{Type: CmdBuzz, StudentID: "s1"}))
	req.True(sess.Do(Command{Type: CmdBuzz, StudentID: "s2"}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-bus.ch:
			if evt.Type != EventBuzzerActivated {
				continue
			}
			snap := evt.Payload.(Snapshot)
			req.NotNil(snap.ActiveStudent)
			req.Equal("s1", *snap.ActiveStudent)
			return
		case <-deadline:
			t.Fatal("timed out waiting for BUZZER_ACTIVATED")
		}
	}
}

func TestSession_JudgeCorrect_AwardsTieredPoints(t *testing.T) {
	req := require.New(t)
	sess, st, bus := newTestSession(t)
	ctx := context.Background()

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	sess.room.RemainingTime = 7000 // buzz froze the clock with 3000ms taken
	sess.apply(ctx, Command{Type: CmdBuzz, StudentID: "s1"})
	sess.apply(ctx, Command{Type: CmdJudgeAnswer, Correct: true, QuestionID: 1})

	req.Equal(3, sess.room.Scores["s1"])
	req.Equal(3, sess.room.RoundScores["s1"])
	req.Empty(sess.room.ActiveStudent)
	req.True(sess.room.ShowAnswer)
	req.Equal(3, st.questionScores["R1|s1|1"])
	req.Equal(EventScoresUpdated, bus.last().Type)
}

func TestSession_JudgeWrong_ResumesCountdown(t *testing.T) {
	req := require.New(t)
	sess, st, bus := newTestSession(t)
	ctx := context.Background()

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	sess.room.RemainingTime = 5200
	sess.apply(ctx, Command{Type: CmdBuzz, StudentID: "s1"})
	sess.apply(ctx, Command{Type: CmdJudgeAnswer, Correct: false, QuestionID: 1})

	req.Equal(5200, sess.room.RemainingTime, "wrong answer must not reset the countdown")
	req.True(sess.room.BuzzerActive)
	req.NotNil(sess.ticker, "countdown resumes")
	req.Equal([]string{"s1"}, sess.room.Ineligible)
	req.Equal(EventBuzzerOpen, bus.last().Type)
	req.Empty(st.questionScores)

	// The same student is barred from re-buzzing this question.
	sess.apply(ctx, Command{Type: CmdBuzz, StudentID: "s1"})
	req.Empty(sess.room.ActiveStudent)
}

func TestSession_JudgeWithoutActiveStudent_IsNoOp(t *testing.T) {
	req := require.New(t)
	sess, _, bus := newTestSession(t)
	ctx := context.Background()

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	before := sess.room.Snapshot()

	sess.apply(ctx, Command{Type: CmdJudgeAnswer, Correct: true, QuestionID: 1})

	req.Equal(before, sess.room.Snapshot())
	req.Equal([]EventType{EventQuizStarted}, bus.types())
}

func TestSession_NextQuestion_RoundAdvanceFlushesOnce(t *testing.T) {
	req := require.New(t)
	sess, st, bus := newTestSession(t)
	ctx := context.Background()
	st.rounds[7] = 2

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	sess.room.RoundScores["s1"] = 3
	sess.room.RoundScores["s2"] = 2
	sess.apply(ctx, Command{Type: CmdNextQuestion, QuestionID: 7})

	req.Equal(2, sess.room.CurrentRound)
	req.Empty(sess.room.RoundScores)
	req.Equal(3, st.studentRound["R1|s1|1"], "round 1 scores flushed under the old round number")
	req.Equal(2, st.studentRound["R1|s2|1"])
	req.Equal(2, st.roundUpsertCalls, "one flush write per subject, exactly once")
	req.Equal(1, sess.room.CurrentQuestionIndex)
	req.Equal(BuzzWindowMS, sess.room.RemainingTime)
	req.Equal(EventNewQuestion, bus.last().Type)
}

func TestSession_NextQuestion_SameRound_NoFlush(t *testing.T) {
	req := require.New(t)
	sess, st, _ := newTestSession(t)
	ctx := context.Background()
	st.rounds[3] = 1

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	sess.room.RoundScores["s1"] = 3
	sess.apply(ctx, Command{Type: CmdNextQuestion, QuestionID: 3})

	req.Equal(1, sess.room.CurrentRound)
	req.Equal(3, sess.room.RoundScores["s1"], "accumulator kept within the same round")
	req.Zero(st.roundUpsertCalls)
}

func TestSession_NextQuestion_LookupFailure_StateUnchanged(t *testing.T) {
	req := require.New(t)
	sess, st, bus := newTestSession(t)
	ctx := context.Background()
	st.failures["QuestionRound"] = errors.New("connection refused")

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	before := sess.room.Snapshot()

	var acks []Event
	sess.apply(ctx, Command{
		Type:       CmdNextQuestion,
		QuestionID: 7,
		Reply:      func(e Event) { acks = append(acks, e) },
	})

	req.Equal(before, sess.room.Snapshot())
	req.Len(acks, 1)
	req.Equal(EventCommandFailed, acks[0].Type)
	failure := acks[0].Payload.(CommandFailure)
	req.Equal("NEXT_QUESTION", failure.Command)
	req.Equal(EventQuizStarted, bus.last().Type, "no NEW_QUESTION broadcast on failure")
}

func TestSession_EndQuiz_RecomputesFinalScoresFromStore(t *testing.T) {
	req := require.New(t)
	sess, st, bus := newTestSession(t)
	ctx := context.Background()

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	sess.room.RoundScores["s1"] = 2
	// Poison the display cache: the durable sums must win.
	sess.room.Scores = map[string]int{"bogus": 99}
	st.studentSums = map[string]int{"s1": 5, "s2": 4}

	sess.apply(ctx, Command{Type: CmdEndQuiz})

	req.Equal(2, st.studentRound["R1|s1|1"], "final round flushed before ending")
	req.False(st.sessionActive["R1"])
	req.Equal(map[string]int{"s1": 5, "s2": 4}, sess.room.Scores)
	req.False(sess.room.QuizStarted)
	req.True(sess.room.QuizEnded)
	req.True(sess.Ended())
	req.Nil(sess.ticker)

	evt := bus.last()
	req.Equal(EventQuizEnded, evt.Type)
	snap := evt.Payload.(Snapshot)
	req.Equal(map[string]int{"s1": 5, "s2": 4}, snap.FinalScores)
}

func TestSession_EndQuiz_PersistFailure_StateUnchanged(t *testing.T) {
	req := require.New(t)
	sess, st, _ := newTestSession(t)
	ctx := context.Background()
	st.failures["SetSessionActive"] = errors.New("connection refused")

	sess.apply(ctx, Command{Type: CmdStartQuiz})

	var acks []Event
	sess.apply(ctx, Command{Type: CmdEndQuiz, Reply: func(e Event) { acks = append(acks, e) }})

	req.False(sess.room.QuizEnded)
	req.True(sess.room.QuizStarted)
	req.False(sess.Ended())
	req.Len(acks, 1)
	req.Equal(EventCommandFailed, acks[0].Type)
}

func TestSession_StartNewRound(t *testing.T) {
	req := require.New(t)
	sess, st, bus := newTestSession(t)
	ctx := context.Background()

	sess.apply(ctx, Command{Type: CmdStartQuiz})
	sess.room.RoundScores["s1"] = 3
	sess.apply(ctx, Command{Type: CmdEndQuiz})
	sess.apply(ctx, Command{Type: CmdStartNewRound})

	req.Equal(2, sess.room.CurrentRound)
	req.True(sess.room.QuizStarted)
	req.False(sess.room.QuizEnded)
	req.False(sess.Ended())
	req.True(st.sessionActive["R1"])
	req.Equal(1, st.roundUpsertCalls, "round 1 flushed exactly once across end and restart")
	req.NotNil(sess.ticker)
	req.Equal(EventQuizStarted, bus.last().Type)
}

func TestSession_DepartmentMode_ScoresAccrueToDepartment(t *testing.T) {
	req := require.New(t)
	sess, st, _ := newTestSession(t)
	ctx := context.Background()
	st.departments["s1"] = Department{ID: 4, Name: "Physics"}
	st.departmentIDs["Physics"] = 4
	st.rounds[9] = 2

	sess.apply(ctx, Command{Type: CmdSetScoringMode, Mode: ScoringDepartment})
	sess.apply(ctx, Command{Type: CmdStartQuiz})
	sess.room.RemainingTime = 8000
	sess.apply(ctx, Command{Type: CmdBuzz, StudentID: "s1"})
	sess.apply(ctx, Command{Type: CmdJudgeAnswer, Correct: true, QuestionID: 1})

	req.Equal(3, sess.room.Scores["Physics"])
	req.Equal(3, st.questionScores["R1|s1|1"], "analytics row is keyed to the student even in department mode")

	sess.apply(ctx, Command{Type: CmdNextQuestion, QuestionID: 9})
	req.Equal(3, st.departmentRound["R1|4|1"])
}

func TestSession_Tick(t *testing.T) {
	req := require.New(t)
	sess, _, bus := newTestSession(t)

	sess.apply(context.Background(), Command{Type: CmdStartQuiz})
	sess.handleTick()

	req.Equal(BuzzWindowMS-TickMS, sess.room.RemainingTime)
	req.True(sess.room.BuzzerActive)
	req.Equal(EventTimerUpdate, bus.last().Type)

	// Expiry closes the buzzer and stops the countdown, nothing else.
	sess.room.RemainingTime = TickMS
	sess.room.ShowAnswer = false
	sess.handleTick()

	req.Zero(sess.room.RemainingTime)
	req.False(sess.room.BuzzerActive)
	req.Nil(sess.ticker)
	req.False(sess.room.ShowAnswer, "expiry must not reveal the answer")
}

func TestSession_ToggleAnswerVisibility(t *testing.T) {
	req := require.New(t)
	sess, _, bus := newTestSession(t)
	ctx := context.Background()

	sess.apply(ctx, Command{Type: CmdToggleAnswerShow})
	req.True(sess.room.ShowAnswer)
	req.Equal(EventQuizState, bus.last().Type)

	sess.apply(ctx, Command{Type: CmdToggleAnswerShow})
	req.False(sess.room.ShowAnswer)
}

func TestSession_Register_SnapshotToSenderOnly(t *testing.T) {
	req := require.New(t)
	sess, _, bus := newTestSession(t)

	var acks []Event
	sess.apply(context.Background(), Command{Type: CmdRegister, Reply: func(e Event) { acks = append(acks, e) }})

	req.Len(acks, 1)
	req.Equal(EventQuizState, acks[0].Type)
	req.Empty(bus.types(), "registration snapshot is not broadcast")
}

func TestSession_UnknownCommandIgnored(t *testing.T) {
	req := require.New(t)
	sess, _, bus := newTestSession(t)

	before := sess.room.Snapshot()
	sess.apply(context.Background(), Command{Type: CommandType("FROBNICATE")})

	req.Equal(before, sess.room.Snapshot())
	req.Empty(bus.types())
}
