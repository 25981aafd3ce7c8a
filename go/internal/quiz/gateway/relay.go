package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/TainYanTun/APIQ-interactive-quiz/go/internal/quiz"
)

// EventRelay publishes room events to an external consumer, e.g. the admin
// dashboard service watching live sessions.
type EventRelay interface {
	Publish(roomID string, event quiz.Event) error
}

// JetStreamConfig holds configuration for the JetStream event relay.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
}

// DefaultJetStreamConfig returns default JetStream relay configuration.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "QUIZ_EVENTS",
		SubjectPrefix: "quiz.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		MaxAge:        24 * time.Hour,
	}
}

// JetStreamRelay publishes every broadcast room event to a JetStream stream,
// one subject per room and event type.
type JetStreamRelay struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamRelay(cfg JetStreamConfig) (*JetStreamRelay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	r := &JetStreamRelay{nc: nc, js: js, config: cfg}
	if err := r.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return r, nil
}

func (r *JetStreamRelay) ensureStream(ctx context.Context) error {
	_, err := r.js.Stream(ctx, r.config.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return err
	}

	_, err = r.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        r.config.StreamName,
		Description: "Quiz room event stream",
		Subjects:    []string{fmt.Sprintf("%s.>", r.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      r.config.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	return err
}

// Publish sends one room event to its subject. Delivery is fire-and-forget;
// the in-room broadcast already happened.
func (r *JetStreamRelay) Publish(roomID string, event quiz.Event) error {
	envelope := map[string]any{
		"eventType": event.Type,
		"roomId":    roomID,
		"timestamp": time.Now().UTC(),
		"payload":   event.Payload,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", r.config.SubjectPrefix, roomID, event.Type)
	if _, err := r.js.PublishAsync(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the NATS connection.
func (r *JetStreamRelay) Close() {
	r.nc.Close()
}
