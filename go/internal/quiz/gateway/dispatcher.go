package gateway

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/TainYanTun/APIQ-interactive-quiz/go/internal/quiz"
)

// inboundMessage is the wire envelope for client messages.
type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// commandPayload is the superset of all inbound payload fields. roomId is
// mandatory on every message.
type commandPayload struct {
	RoomID     string `json:"roomId"`
	Role       string `json:"role"`
	StudentID  string `json:"studentId"`
	QuestionID int64  `json:"questionId"`
	Correct    bool   `json:"correct"`
	Mode       string `json:"mode"`
}

// Dispatcher decodes inbound frames, resolves the target room and enqueues the
// matching command on its session. Protocol errors are logged and dropped;
// they never touch room state.
type Dispatcher struct {
	manager *ConnectionManager
}

func NewDispatcher(manager *ConnectionManager) *Dispatcher {
	return &Dispatcher{manager: manager}
}

// HandleMessage implements MessageHandler.
func (d *Dispatcher) HandleMessage(conn *Connection, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("malformed message - dropping")
		return
	}

	var payload commandPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", conn.ID).
				Str("type", msg.Type).
				Msg("malformed payload - dropping")
			return
		}
	}
	if payload.RoomID == "" {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("type", msg.Type).
			Msg("message without roomId - dropping")
		return
	}

	if msg.Type == string(quiz.CmdRegister) {
		d.register(conn, payload)
		return
	}

	cmd, ok := d.buildCommand(conn, msg.Type, payload)
	if !ok {
		return
	}

	sess := d.manager.SessionFor(payload.RoomID)
	if !sess.Do(cmd) {
		log.Warn().
			Str("room_id", payload.RoomID).
			Str("type", msg.Type).
			Msg("room session stopped, command dropped")
	}
}

func (d *Dispatcher) register(conn *Connection, payload commandPayload) {
	role := parseRole(payload.Role)
	sess := d.manager.Register(conn, role, payload.RoomID, payload.StudentID)

	// The registering connection alone gets a state snapshot.
	sess.Do(quiz.Command{
		Type:  quiz.CmdRegister,
		Reply: conn.sendEvent,
	})
}

func parseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin:
		return RoleAdmin
	case RoleStudent:
		return RoleStudent
	default:
		return RoleViewer
	}
}

// buildCommand validates the payload for the given message type and maps it to
// a room command. Unknown types and missing fields are dropped with a log.
func (d *Dispatcher) buildCommand(conn *Connection, msgType string, payload commandPayload) (quiz.Command, bool) {
	cmd := quiz.Command{Reply: conn.sendEvent}

	switch quiz.CommandType(msgType) {
	case quiz.CmdStartQuiz, quiz.CmdEndQuiz, quiz.CmdStartNewRound, quiz.CmdToggleAnswerShow:
		cmd.Type = quiz.CommandType(msgType)

	case quiz.CmdSetScoringMode:
		mode := quiz.ScoringMode(payload.Mode)
		if mode != quiz.ScoringIndividual && mode != quiz.ScoringDepartment {
			log.Warn().
				Str("room_id", payload.RoomID).
				Str("mode", payload.Mode).
				Msg("invalid scoring mode - dropping")
			return quiz.Command{}, false
		}
		cmd.Type = quiz.CmdSetScoringMode
		cmd.Mode = mode

	case quiz.CmdNextQuestion:
		if payload.QuestionID <= 0 {
			log.Warn().Str("room_id", payload.RoomID).Msg("NEXT_QUESTION without questionId - dropping")
			return quiz.Command{}, false
		}
		cmd.Type = quiz.CmdNextQuestion
		cmd.QuestionID = payload.QuestionID

	case quiz.CmdBuzz:
		if payload.StudentID == "" {
			log.Warn().Str("room_id", payload.RoomID).Msg("BUZZ without studentId - dropping")
			return quiz.Command{}, false
		}
		cmd.Type = quiz.CmdBuzz
		cmd.StudentID = payload.StudentID

	case quiz.CmdJudgeAnswer:
		if payload.QuestionID <= 0 {
			log.Warn().Str("room_id", payload.RoomID).Msg("JUDGE_ANSWER without questionId - dropping")
			return quiz.Command{}, false
		}
		cmd.Type = quiz.CmdJudgeAnswer
		cmd.QuestionID = payload.QuestionID
		cmd.Correct = payload.Correct

	default:
		log.Warn().
			Str("room_id", payload.RoomID).
			Str("type", msgType).
			Msg("unknown message type - ignoring")
		return quiz.Command{}, false
	}

	return cmd, true
}
