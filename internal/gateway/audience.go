package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/livelab/crowdcue/internal/bus"
	"github.com/livelab/crowdcue/internal/consensus"
	"github.com/livelab/crowdcue/internal/session"
)

// client is one audience WebSocket connection: a reader goroutine, a
// writer goroutine, and a bounded send queue between broadcast and the
// wire. A full queue drops the update; the next tick replaces it
// anyway.
type client struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
}

// handleAudience upgrades the connection and admits the session. A
// `session` query parameter lets a dropped client rejoin within the
// grace window with its rate-limit bucket intact.
func (s *Server) handleAudience(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("audience upgrade failed")
		return
	}

	sessionID := s.registry.Admit(r.URL.Query().Get("session"), nil)
	c := &client{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, s.cfg.SendQueueSize),
	}
	s.addClient(c)

	go c.writePump()
	go c.readPump()
}

// trySend enqueues without blocking; overflow drops the frame.
func (c *client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.server.registry.Disconnect(c.sessionID)
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("session", c.sessionID).Err(err).Msg("audience connection closed")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendJSON(errorMsg{Type: msgError, Code: codeMalformed, Message: "invalid JSON"})
			continue
		}

		switch msg.Type {
		case msgAudienceHello:
			if msg.Location != nil {
				_ = c.server.registry.SetLocation(c.sessionID, *msg.Location)
			}
		case msgAudienceInput:
			c.handleInput(msg)
		default:
			c.sendJSON(errorMsg{Type: msgError, Code: codeMalformed, Message: "unknown message type: " + msg.Type})
		}
	}
}

// handleInput admits one audience:input message: one rate-limit charge
// per message, then per-parameter validation and buffering. Accepted
// messages are acknowledged with the client's own timestamp.
func (c *client) handleInput(msg inbound) {
	s := c.server

	if err := s.registry.Accept(c.sessionID); err != nil {
		reason := codeQuota
		if errors.Is(err, session.ErrUnknownSession) {
			reason = codeValidation
		}
		c.reject(msg, reason, err.Error())
		return
	}

	now := time.Now().UnixMilli()
	loc := s.registry.Location(c.sessionID)
	accepted := false
	for parameter, value := range msg.Values {
		in := consensus.Input{
			ID:        uuid.New().String(),
			SessionID: c.sessionID,
			Parameter: parameter,
			Value:     value,
			Timestamp: now,
			Location:  loc,
		}
		if err := s.engine.Submit(in); err != nil {
			if errors.Is(err, consensus.ErrDuplicateInput) {
				// Idempotent discard: no accepted event, no rejection.
				continue
			}
			c.reject(msg, codeValidation, parameter+": "+err.Error())
			continue
		}
		accepted = true
		if s.metrics != nil {
			s.metrics.InputsAccepted.WithLabelValues(parameter).Inc()
		}
		s.bus.Publish(bus.KindInputAccepted, bus.InputEvent{Input: in})
	}

	if accepted {
		c.sendJSON(inputAck{Type: msgInputAck, Timestamp: msg.Timestamp})
	}
}

// reject reports a validation or quota failure to the client and the
// bus. The producer is never blocked and the session stays open.
func (c *client) reject(msg inbound, code, detail string) {
	s := c.server
	if s.metrics != nil {
		s.metrics.InputsRejected.WithLabelValues(code).Inc()
	}
	s.bus.Publish(bus.KindInputRejected, bus.InputEvent{
		Input:  consensus.Input{SessionID: c.sessionID, Timestamp: msg.Timestamp},
		Reason: code,
	})
	c.sendJSON(errorMsg{Type: msgError, Code: code, Message: detail})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
