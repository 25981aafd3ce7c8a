package quiz

// CommandType identifies an inbound room command. The values match the wire
// protocol's message types.
type CommandType string

const (
	CmdRegister         CommandType = "REGISTER"
	CmdSetScoringMode   CommandType = "SET_SCORING_MODE"
	CmdStartQuiz        CommandType = "START_QUIZ"
	CmdNextQuestion     CommandType = "NEXT_QUESTION"
	CmdBuzz             CommandType = "BUZZ"
	CmdJudgeAnswer      CommandType = "JUDGE_ANSWER"
	CmdEndQuiz          CommandType = "END_QUIZ"
	CmdStartNewRound    CommandType = "START_NEW_ROUND"
	CmdToggleAnswerShow CommandType = "TOGGLE_ANSWER_VISIBILITY"
)

// Command is one unit of work for a room's session loop. Commands for the same
// room are applied strictly in the order they were enqueued; the buzz race is
// decided by that order alone.
type Command struct {
	Type CommandType

	StudentID  string
	QuestionID int64
	Correct    bool
	Mode       ScoringMode

	// Reply, when set, delivers events addressed to the originating
	// connection only: the registration snapshot and failure acks.
	Reply func(Event)
}
