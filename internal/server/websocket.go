package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/soundmem/internal/audio"
	"github.com/lexiqai/soundmem/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// stopMessage ends a stream session's input normally
	stopMessage = "stop"
)

var upgrader = websocket.Upgrader{
	// Clients are local tools and browsers on the same host
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleAudio ingests binary audio frames for a stream session.
// Query parameters: encoding (pcm16, mulaw) and sample_rate (defaults to
// the service rate); audio is resampled to the service rate. A normal
// close or a "stop" text message ends the input; an abnormal disconnect
// is a capture fault for the session.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not running")
		return
	}

	encoding, err := audio.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inputRate := s.cfg.SampleRate
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		if inputRate, err = strconv.Atoi(v); err != nil || inputRate <= 0 {
			writeError(w, http.StatusBadRequest, "sample_rate must be a positive integer")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade audio connection")
		return
	}
	defer conn.Close()

	logger := observability.WithSession(sess.ID())
	logger.Info().
		Str("encoding", string(encoding)).
		Int("sample_rate", inputRate).
		Msg("Audio stream connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Msg("Audio stream closed")
				sess.CloseInput(nil)
			} else {
				logger.Warn().Err(err).Msg("Audio stream lost")
				sess.CloseInput(fmt.Errorf("audio stream disconnected: %w", err))
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if string(data) == stopMessage {
				sess.CloseInput(nil)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "input closed"),
					time.Now().Add(writeWait))
				return
			}
		case websocket.BinaryMessage:
			samples, err := audio.Decode(data, encoding)
			if err != nil {
				logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable audio message")
				continue
			}
			samples = audio.Resample(samples, inputRate, s.cfg.SampleRate)
			if err := sess.Write(r.Context(), samples); err != nil {
				if !errors.Is(err, audio.ErrSourceClosed) {
					logger.Warn().Err(err).Msg("Failed to write audio")
				}
				return
			}
		}
	}
}

// handleEvents streams partial text, committed segments and warnings
// as JSON messages until the session ends or the client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not running")
		return
	}

	// Subscribe before the handshake completes so no event is missed
	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade events connection")
		return
	}
	defer conn.Close()

	// Reader: handles control frames and notices the client leaving
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
