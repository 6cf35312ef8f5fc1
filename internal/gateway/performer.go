package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/livelab/crowdcue/internal/bus"
	"github.com/livelab/crowdcue/internal/consensus"
)

// handlePerformer serves the authenticated performer channel:
// overrides, scheduler control, and parameter registration.
func (s *Server) handlePerformer(w http.ResponseWriter, r *http.Request) {
	if !s.authorizePerformer(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("performer upgrade failed")
		return
	}
	defer conn.Close()

	log.Info().Str("remote", r.RemoteAddr).Msg("performer connected")

	// No read deadline here: the performer console may sit silent for
	// minutes between cues.
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info().Str("remote", r.RemoteAddr).Msg("performer disconnected")
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			writeError(conn, codeMalformed, "invalid JSON")
			continue
		}
		if err := s.handlePerformerMessage(msg); err != nil {
			writeError(conn, codeValidation, err.Error())
		}
	}
}

// authorizePerformer accepts the shared token as a Bearer header or a
// `token` query parameter. An empty configured token disables the
// channel entirely rather than leaving it open.
func (s *Server) authorizePerformer(r *http.Request) bool {
	if s.cfg.PerformerToken == "" {
		return false
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == s.cfg.PerformerToken
	}
	return r.URL.Query().Get("token") == s.cfg.PerformerToken
}

func (s *Server) handlePerformerMessage(msg inbound) error {
	switch msg.Type {
	case msgOverrideSet:
		o := consensus.Override{
			Parameter:   msg.Parameter,
			Mode:        consensus.OverrideMode(msg.Mode),
			Value:       msg.Value,
			BlendFactor: msg.BlendFactor,
			ExpiresAt:   msg.ExpiresAt,
		}
		if err := s.engine.Mixer().Set(o); err != nil {
			return err
		}
		s.bus.Publish(bus.KindOverrideSet, bus.OverrideEvent{Parameter: o.Parameter, Override: &o})
		log.Info().Str("parameter", o.Parameter).Str("mode", string(o.Mode)).
			Float64("value", o.Value).Msg("override set")
		return nil

	case msgOverrideClear:
		if s.engine.Mixer().Clear(msg.Parameter) {
			s.bus.Publish(bus.KindOverrideCleared, bus.OverrideEvent{Parameter: msg.Parameter})
			log.Info().Str("parameter", msg.Parameter).Msg("override cleared")
		}
		return nil

	case msgSchedulerStart:
		return s.engine.Start(s.runCtx())

	case msgSchedulerStop:
		s.engine.Stop()
		return nil

	case msgParameterRegister:
		smoothing := 0.3
		if msg.Smoothing != nil {
			smoothing = *msg.Smoothing
		}
		spec := consensus.ParameterSpec{
			Name:      msg.Name,
			Min:       0,
			Max:       1,
			Default:   msg.Default,
			Smoothing: smoothing,
			Mode:      consensus.Mode(msg.Mode),
		}
		if err := s.engine.RegisterParameter(spec); err != nil {
			return err
		}
		log.Info().Str("parameter", spec.Name).Str("mode", string(spec.Mode)).Msg("parameter registered")
		return nil
	}
	return errUnknownMessage(msg.Type)
}

func writeError(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(errorMsg{Type: msgError, Code: code, Message: message})
}

type unknownMessageError string

func (e unknownMessageError) Error() string {
	return "unknown message type: " + string(e)
}

func errUnknownMessage(t string) error {
	return unknownMessageError(t)
}
