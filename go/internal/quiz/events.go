package quiz

// EventType identifies an outbound room event.
type EventType string

const (
	EventQuizState       EventType = "QUIZ_STATE"
	EventQuizStarted     EventType = "QUIZ_STARTED"
	EventNewQuestion     EventType = "NEW_QUESTION"
	EventBuzzerActivated EventType = "BUZZER_ACTIVATED"
	EventBuzzerOpen      EventType = "BUZZER_OPEN"
	EventTimerUpdate     EventType = "TIMER_UPDATE"
	EventScoresUpdated   EventType = "SCORES_UPDATED"
	EventQuizEnded       EventType = "QUIZ_ENDED"
	EventCommandFailed   EventType = "COMMAND_FAILED"
)

// Event is the outbound wire envelope. Every room event carries a full clean
// snapshot as its payload; COMMAND_FAILED carries a CommandFailure instead.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// CommandFailure acknowledges a command that exhausted its persistence retries.
// Room state is unchanged when one of these is sent, so the command can be
// safely reissued.
type CommandFailure struct {
	RoomID  string `json:"roomId"`
	Command string `json:"command"`
	Error   string `json:"error"`
}

// Broadcaster fans an event out to every connection registered in a room.
type Broadcaster interface {
	Broadcast(roomID string, event Event)
}
