package quiz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Session is the single-writer actor owning one room. All state mutation and
// all persistence I/O for the room happen inside Run's loop, one command at a
// time, so a buzz can never interleave with a command that is mid-lookup.
// Cross-room sessions run fully in parallel.
type Session struct {
	roomID string
	room   *Room
	store  Store
	bus    Broadcaster
	clock  clockwork.Clock

	cmdCh chan Command
	done  chan struct{}
	ended atomic.Bool

	// ticker drives the countdown while a buzz window is open. Owned
	// exclusively by the Run loop; nil means no countdown is running, which
	// makes a second concurrent countdown structurally impossible.
	ticker clockwork.Ticker
}

// NewSession creates the actor for a room. Call Run to start it.
func NewSession(roomID string, store Store, bus Broadcaster, clock clockwork.Clock) *Session {
	return &Session{
		roomID: roomID,
		room:   NewRoom(roomID),
		store:  store,
		bus:    bus,
		clock:  clock,
		cmdCh:  make(chan Command, 64),
		done:   make(chan struct{}),
	}
}

// Do enqueues a command for the session loop. It reports false if the session
// has already shut down. Enqueue order is apply order.
func (s *Session) Do(cmd Command) bool {
	select {
	case s.cmdCh <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// Ended reports whether the room's quiz has been explicitly ended. Safe to
// call from outside the session loop; the registry uses it to decide teardown.
func (s *Session) Ended() bool {
	return s.ended.Load()
}

// Run consumes commands and timer ticks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	log.Info().Str("room_id", s.roomID).Msg("room session started")
	defer close(s.done)
	defer s.stopTicker()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("room_id", s.roomID).Msg("room session shutting down")
			return
		case cmd := <-s.cmdCh:
			s.apply(ctx, cmd)
		case <-s.tickChan():
			s.handleTick()
		}
	}
}

// tickChan returns the ticker channel, or a nil channel (never ready) when no
// countdown is running.
func (s *Session) tickChan() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.Chan()
}

// startTicker replaces any running countdown with a fresh one. It never
// touches RemainingTime; transitions that want a full window reset it
// explicitly, while the wrong-answer path resumes the current value.
func (s *Session) startTicker() {
	s.stopTicker()
	s.ticker = s.clock.NewTicker(TickInterval)
}

func (s *Session) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Session) apply(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CmdRegister:
		s.handleRegister(cmd)
	case CmdSetScoringMode:
		s.handleSetScoringMode(cmd)
	case CmdStartQuiz:
		s.handleStartQuiz()
	case CmdNextQuestion:
		s.handleNextQuestion(ctx, cmd)
	case CmdBuzz:
		s.handleBuzz(cmd)
	case CmdJudgeAnswer:
		s.handleJudgeAnswer(ctx, cmd)
	case CmdEndQuiz:
		s.handleEndQuiz(ctx, cmd)
	case CmdStartNewRound:
		s.handleStartNewRound(ctx, cmd)
	case CmdToggleAnswerShow:
		s.handleToggleAnswerVisibility()
	default:
		log.Warn().
			Str("room_id", s.roomID).
			Str("command", string(cmd.Type)).
			Msg("unknown command type - ignoring")
	}
}

func (s *Session) handleRegister(cmd Command) {
	if cmd.Reply == nil {
		return
	}
	cmd.Reply(Event{Type: EventQuizState, Payload: s.room.Snapshot()})
}

func (s *Session) handleSetScoringMode(cmd Command) {
	s.room.SetScoringMode(cmd.Mode)
	log.Info().Str("room_id", s.roomID).Str("mode", string(cmd.Mode)).Msg("scoring mode changed")
	s.broadcast(EventQuizState)
}

func (s *Session) handleStartQuiz() {
	s.room.StartQuiz()
	s.startTicker()
	s.broadcast(EventQuizStarted)
}

func (s *Session) handleNextQuestion(ctx context.Context, cmd Command) {
	round, err := s.store.QuestionRound(ctx, cmd.QuestionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Unknown question: no round change, the cursor still advances.
			round = s.room.CurrentRound
		} else {
			s.fail(cmd, fmt.Errorf("lookup round for question %d: %w", cmd.QuestionID, err))
			return
		}
	}

	if round > s.room.CurrentRound {
		if err := s.flushRoundScores(ctx); err != nil {
			s.fail(cmd, err)
			return
		}
		s.room.RoundScores = make(map[string]int)
		s.room.CurrentRound = round
	}

	s.stopTicker()
	s.room.AdvanceQuestion(cmd.QuestionID)
	s.startTicker()
	s.broadcast(EventNewQuestion)
}

func (s *Session) handleBuzz(cmd Command) {
	if !s.room.AcceptBuzz(cmd.StudentID) {
		log.Debug().
			Str("room_id", s.roomID).
			Str("student_id", cmd.StudentID).
			Msg("buzz rejected")
		return
	}
	s.stopTicker()
	s.broadcast(EventBuzzerActivated)
}

func (s *Session) handleJudgeAnswer(ctx context.Context, cmd Command) {
	student := s.room.ActiveStudent
	if student == "" {
		log.Warn().Str("room_id", s.roomID).Msg("judgement with no active student - ignoring")
		return
	}

	if !cmd.Correct {
		s.room.MarkWrongAnswer()
		s.startTicker()
		s.broadcast(EventBuzzerOpen)
		return
	}

	points := PointsForTime(s.room.TimeTaken())

	subject := student
	if s.room.Mode == ScoringDepartment {
		dep, err := s.store.StudentDepartment(ctx, student)
		if errors.Is(err, ErrNotFound) {
			// No department on record: nothing to credit, but the question is
			// still resolved.
			log.Warn().
				Str("room_id", s.roomID).
				Str("student_id", student).
				Msg("student has no department, skipping score")
			s.room.ActiveStudent = ""
			s.room.ShowAnswer = true
			s.broadcast(EventScoresUpdated)
			return
		}
		if err != nil {
			s.fail(cmd, fmt.Errorf("lookup department for student %s: %w", student, err))
			return
		}
		subject = dep.Name
	}

	// The analytics row is always keyed to the student, even in department
	// mode, to preserve per-student history.
	if err := s.store.UpsertQuestionScore(ctx, s.roomID, student, cmd.QuestionID, points); err != nil {
		s.fail(cmd, fmt.Errorf("persist question score: %w", err))
		return
	}

	s.room.AwardPoints(subject, points)
	log.Info().
		Str("room_id", s.roomID).
		Str("subject", subject).
		Int("points", points).
		Msg("answer judged correct")
	s.broadcast(EventScoresUpdated)
}

func (s *Session) handleEndQuiz(ctx context.Context, cmd Command) {
	if err := s.flushRoundScores(ctx); err != nil {
		s.fail(cmd, err)
		return
	}
	s.stopTicker()

	if err := s.store.SetSessionActive(ctx, s.roomID, false); err != nil {
		s.fail(cmd, fmt.Errorf("deactivate session: %w", err))
		return
	}

	finals, err := s.sumRoundScores(ctx)
	if err != nil {
		s.fail(cmd, fmt.Errorf("recompute final scores: %w", err))
		return
	}

	s.room.QuizStarted = false
	s.room.QuizEnded = true
	s.room.RoundScores = make(map[string]int)
	s.room.Scores = finals
	s.ended.Store(true)

	snap := s.room.Snapshot()
	snap.FinalScores = copyScores(finals)
	log.Info().Str("room_id", s.roomID).Int("subjects", len(finals)).Msg("quiz ended")
	s.bus.Broadcast(s.roomID, Event{Type: EventQuizEnded, Payload: snap})
}

func (s *Session) handleStartNewRound(ctx context.Context, cmd Command) {
	if err := s.flushRoundScores(ctx); err != nil {
		s.fail(cmd, err)
		return
	}
	s.stopTicker()

	if err := s.store.SetSessionActive(ctx, s.roomID, true); err != nil {
		s.fail(cmd, fmt.Errorf("reactivate session: %w", err))
		return
	}

	s.room.StartNewRound()
	s.ended.Store(false)
	s.startTicker()
	log.Info().Str("room_id", s.roomID).Int("round", s.room.CurrentRound).Msg("new round started")
	s.broadcast(EventQuizStarted)
}

func (s *Session) handleToggleAnswerVisibility() {
	s.room.ShowAnswer = !s.room.ShowAnswer
	s.broadcast(EventQuizState)
}

// handleTick advances the countdown by one tick. Expiry only closes the
// buzzer; it never reveals the answer or advances the question. A buzz racing
// an expiry is decided by whichever the loop processes first.
func (s *Session) handleTick() {
	s.room.RemainingTime -= TickMS
	if s.room.RemainingTime <= 0 {
		s.room.RemainingTime = 0
		s.stopTicker()
		s.room.BuzzerActive = false
	}
	s.broadcast(EventTimerUpdate)
}

// flushRoundScores writes the current round's accumulator to durable storage.
// Each subject is removed from the accumulator as its row commits, so a
// partially failed flush can be retried without double counting the additive
// student path. Subjects with nothing to credit are dropped without a write.
func (s *Session) flushRoundScores(ctx context.Context) error {
	if len(s.room.RoundScores) == 0 {
		return nil
	}

	subjects := make([]string, 0, len(s.room.RoundScores))
	for subject := range s.room.RoundScores {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)

	for _, subject := range subjects {
		score := s.room.RoundScores[subject]
		if score <= 0 {
			delete(s.room.RoundScores, subject)
			continue
		}

		var err error
		if s.room.Mode == ScoringDepartment {
			var depID int64
			depID, err = s.store.DepartmentByName(ctx, subject)
			if errors.Is(err, ErrNotFound) {
				log.Warn().
					Str("room_id", s.roomID).
					Str("department", subject).
					Msg("unknown department, dropping round score")
				delete(s.room.RoundScores, subject)
				continue
			}
			if err == nil {
				err = s.store.UpsertDepartmentRoundScore(ctx, s.roomID, depID, s.room.CurrentRound, score)
			}
		} else {
			err = s.store.UpsertStudentRoundScore(ctx, s.roomID, subject, s.room.CurrentRound, score)
		}
		if err != nil {
			return fmt.Errorf("flush round %d score for %q: %w", s.room.CurrentRound, subject, err)
		}
		delete(s.room.RoundScores, subject)
	}
	return nil
}

func (s *Session) sumRoundScores(ctx context.Context) (map[string]int, error) {
	if s.room.Mode == ScoringDepartment {
		return s.store.SumDepartmentRoundScores(ctx, s.roomID)
	}
	return s.store.SumStudentRoundScores(ctx, s.roomID)
}

func (s *Session) broadcast(eventType EventType) {
	s.bus.Broadcast(s.roomID, Event{Type: eventType, Payload: s.room.Snapshot()})
}

// fail logs a command that exhausted its persistence retries and acknowledges
// it to the sender. Room state is unchanged at this point.
func (s *Session) fail(cmd Command, err error) {
	log.Error().
		Err(err).
		Str("room_id", s.roomID).
		Str("command", string(cmd.Type)).
		Msg("command failed, room state unchanged")
	if cmd.Reply != nil {
		cmd.Reply(Event{Type: EventCommandFailed, Payload: CommandFailure{
			RoomID:  s.roomID,
			Command: string(cmd.Type),
			Error:   err.Error(),
		}})
	}
}
