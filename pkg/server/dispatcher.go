package server

import (
	"errors"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/database"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/protocol"
)

// dispatchEvent routes one inbound frame from an admitted connection.
// Validation failures produce an error event for the sender only; the
// connection stays open no matter what the frame contained.
func (s *Server) dispatchEvent(conn *Conn, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		logger.L().Debug().Err(err).Str("conn_id", conn.ID).Msg("dropping undecodable frame")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordEventReceived(string(env.Type))
	}

	switch env.Type {
	case protocol.EventChatMessage:
		s.handleChatMessage(conn, env)
	case protocol.EventPing:
		s.handlePing(conn)
	case protocol.EventClearHistory:
		s.handleClearHistory(conn)
	case protocol.EventLoadMore:
		s.handleLoadMore(conn, env)
	default:
		logger.L().Debug().
			Str("type", string(env.Type)).
			Str("conn_id", conn.ID).
			Msg("ignoring unknown event type")
	}
}

// handleChatMessage appends the message and fans it out to every other
// connection. The sender already rendered its own message locally, so the
// broadcast excludes it; the assigned identifier still reaches everyone
// else for reconciliation.
func (s *Server) handleChatMessage(conn *Conn, env *protocol.Envelope) {
	var msg protocol.ChatMessage
	if err := env.Bind(&msg); err != nil {
		logger.L().Debug().Err(err).Str("conn_id", conn.ID).Msg("dropping malformed chat_message")
		return
	}

	msg.Normalize()
	if !protocol.ValidKind(msg.Kind) {
		msg.Kind = protocol.KindText
	}

	stored, err := s.store.Append(conn.Username, msg.Kind, msg.Msg, msg.ReplyTo)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrEmptyBody):
			s.sendErrorEvent(conn, protocol.ErrKindEmptyBody, "message body is empty")
		case errors.Is(err, database.ErrInvalidReply):
			s.sendErrorEvent(conn, protocol.ErrKindInvalidReply, "reply target does not exist")
		default:
			logger.L().Error().Err(err).Str("conn_id", conn.ID).Msg("message append failed")
			s.sendErrorEvent(conn, protocol.ErrKindServerError, "could not store message")
		}
		return
	}

	if s.metrics != nil {
		s.metrics.RecordMessageAppended(stored.Kind)
	}

	data, err := protocol.MarshalEvent(protocol.EventMessageCreated, wireMessage(*stored))
	if err != nil {
		logger.L().Error().Err(err).Msg("failed to encode message_created")
		return
	}

	s.hub.Broadcast(data, conn.ID)
	if s.metrics != nil {
		s.metrics.RecordEventSent(string(protocol.EventMessageCreated))
	}
}

// handlePing notifies every connection bound to a different principal.
// A user pinging their own other tab would be noise, so same-principal
// connections are skipped.
func (s *Server) handlePing(conn *Conn) {
	data, err := protocol.MarshalEvent(protocol.EventPingEvent, protocol.PingEvent{From: conn.Username})
	if err != nil {
		logger.L().Error().Err(err).Msg("failed to encode ping_event")
		return
	}

	s.hub.SendToOthers(data, conn.Username)
	if s.metrics != nil {
		s.metrics.RecordEventSent(string(protocol.EventPingEvent))
	}
}

// handleClearHistory empties the store and tells everyone, including the
// connection that asked.
func (s *Server) handleClearHistory(conn *Conn) {
	s.store.ClearAll()

	logger.L().Info().
		Str("username", conn.Username).
		Str("conn_id", conn.ID).
		Msg("history cleared")

	data, err := protocol.MarshalEvent(protocol.EventHistoryCleared, nil)
	if err != nil {
		logger.L().Error().Err(err).Msg("failed to encode history_cleared")
		return
	}

	s.hub.Broadcast(data, "")
	if s.metrics != nil {
		s.metrics.RecordHistoryCleared()
		s.metrics.RecordEventSent(string(protocol.EventHistoryCleared))
	}
}

// handleLoadMore serves an older history page to the requester only.
func (s *Server) handleLoadMore(conn *Conn, env *protocol.Envelope) {
	var req protocol.LoadMore
	if err := env.Bind(&req); err != nil {
		s.sendErrorEvent(conn, protocol.ErrKindInvalidCursor, "malformed load_more request")
		return
	}
	if err := req.Validate(); err != nil {
		s.sendErrorEvent(conn, protocol.ErrKindInvalidCursor, "cursor must be a positive timestamp")
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.config.InitialPageSize
	}
	if limit > s.config.MaxPageSize {
		limit = s.config.MaxPageSize
	}

	messages, hasMore := s.store.PageBefore(req.BeforeTS, limit)
	page := protocol.HistoryPage{
		Messages: wireMessages(messages),
		HasMore:  hasMore,
	}

	data, err := protocol.MarshalEvent(protocol.EventHistoryPage, page)
	if err != nil {
		logger.L().Error().Err(err).Msg("failed to encode history_page")
		return
	}

	s.hub.SendTo(conn.ID, data)
	if s.metrics != nil {
		s.metrics.RecordEventSent(string(protocol.EventHistoryPage))
	}
}

// pushRecentHistory queues the newest messages for a connection that just
// came up. Called before the connection is admitted so the page is always
// the first thing the client receives.
func (s *Server) pushRecentHistory(conn *Conn) {
	messages, hasMore := s.store.Tail(s.config.InitialPageSize)
	page := protocol.HistoryPage{
		Messages: wireMessages(messages),
		HasMore:  hasMore,
	}

	data, err := protocol.MarshalEvent(protocol.EventHistoryPage, page)
	if err != nil {
		logger.L().Error().Err(err).Msg("failed to encode initial history_page")
		return
	}

	conn.enqueue(data)
	if s.metrics != nil {
		s.metrics.RecordEventSent(string(protocol.EventHistoryPage))
	}
}

// sendErrorEvent reports a validation failure to the offending sender.
func (s *Server) sendErrorEvent(conn *Conn, kind protocol.ErrorKind, detail string) {
	data, err := protocol.MarshalEvent(protocol.EventError, protocol.ErrorEvent{
		Kind:   kind,
		Detail: detail,
	})
	if err != nil {
		logger.L().Error().Err(err).Msg("failed to encode error event")
		return
	}

	s.hub.SendTo(conn.ID, data)
	if s.metrics != nil {
		s.metrics.RecordEventSent(string(protocol.EventError))
	}
}

// wireMessage converts a stored message to its wire form.
func wireMessage(m database.Message) protocol.Message {
	out := protocol.Message{
		ID:        m.ID,
		Author:    m.Author,
		Msg:       m.Body,
		Kind:      m.Kind,
		Timestamp: m.CreatedAt,
		ReplyTo:   m.ReplyTo,
	}
	if m.Reply != nil {
		out.Reply = &protocol.ReplySnapshot{
			Author: m.Reply.Author,
			Kind:   m.Reply.Kind,
			Msg:    m.Reply.Body,
		}
	}
	return out
}

func wireMessages(messages []database.Message) []protocol.Message {
	out := make([]protocol.Message, len(messages))
	for i, m := range messages {
		out[i] = wireMessage(m)
	}
	return out
}
