package shared

import (
	"errors"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/pubsub"
)

// handleClientMessage dispatches one decoded client envelope. Every reply,
// including errors, goes only to conn and carries the request id.
func (s *Server) handleClientMessage(conn *pubsub.Connection, data []byte) {
	env, err := messaging.Decode(data)
	if err != nil {
		s.logger.Debug().Err(err).Str("client_id", conn.ID()).Msg("Client sent invalid message")
		s.sendError(conn, "", err)
		return
	}

	switch env.Type {
	case messaging.TypeSubscribe, messaging.TypeUnsubscribe:
		s.handleSubscription(conn, env)

	case messaging.TypePing:
		s.sendEnvelope(conn, messaging.NewPong())

	case messaging.TypePong:
		s.heartbeat.Pong(conn.ID())

	default:
		s.sendError(conn, env.ID, messaging.NewProtocolError(
			messaging.CodeUnknownMessageType, "unknown message type "+env.Type, nil))
	}
}

func (s *Server) handleSubscription(conn *pubsub.Connection, env messaging.Envelope) {
	topics, err := messaging.DecodeTopics(env)
	if err != nil {
		s.sendError(conn, env.ID, err)
		return
	}

	var current []string
	if env.Type == messaging.TypeSubscribe {
		current, err = s.broker.Subscribe(conn.ID(), topics)
	} else {
		current, err = s.broker.Unsubscribe(conn.ID(), topics)
	}
	if err != nil {
		s.sendError(conn, env.ID, err)
		return
	}

	s.logger.Debug().
		Str("client_id", conn.ID()).
		Str("type", env.Type).
		Strs("topics", topics).
		Int("subscribed", len(current)).
		Msg("Subscription changed")

	s.sendEnvelope(conn, messaging.NewSubscriptionResponse(env.Type, env.ID, current, s.clock.Now()))
}

// sendEnvelope queues env behind any pending events so replies keep their
// order relative to the event stream.
func (s *Server) sendEnvelope(conn *pubsub.Connection, env messaging.Envelope) {
	data, err := messaging.Encode(env)
	if err != nil {
		monitoring.LogError(s.logger, err, "Failed to encode reply", map[string]any{"client_id": conn.ID()})
		return
	}
	s.registry.Send(conn, data)
}

func (s *Server) sendError(conn *pubsub.Connection, refID string, err error) {
	code := messaging.CodeOf(err)
	if code == "" {
		code = messaging.CodeInvalidMessage
	}
	message := err.Error()
	var merr *messaging.Error
	if errors.As(err, &merr) {
		message = merr.Message
	}
	s.sendEnvelope(conn, messaging.NewError(refID, code, message, s.clock.Now()))
}
