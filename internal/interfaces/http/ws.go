package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errMissingSymbols = errors.New("symbols query parameter is required")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers connect from the dashboard origin; symbol data is not
	// sensitive, so cross-origin reads are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsPushInterval = 500 * time.Millisecond
	wsWriteTimeout = 5 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleQuoteStream upgrades the connection and pushes the latest stream
// snapshot for each subscribed symbol on a fixed tick. Symbols come from the
// ?symbols=AAPL.US,700.HK query; duplicate snapshots are suppressed by
// timestamp.
func (s *Server) handleQuoteStream(w http.ResponseWriter, r *http.Request) {
	rawSymbols := r.URL.Query().Get("symbols")
	if rawSymbols == "" {
		writeError(w, http.StatusBadRequest, errMissingSymbols)
		return
	}
	symbols := strings.Split(rawSymbols, ",")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log.Debug().Strs("symbols", symbols).Msg("Quote stream subscriber connected")

	// Reader goroutine: drain control frames and detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := time.NewTicker(wsPushInterval)
	defer push.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	lastSent := make(map[string]time.Time, len(symbols))

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-push.C:
			for _, symbol := range symbols {
				snap, ok := s.svc.LatestStreamQuote(r.Context(), strings.TrimSpace(symbol))
				if !ok || !snap.TS.After(lastSent[snap.Symbol]) {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(snap); err != nil {
					log.Debug().Err(err).Msg("Quote stream subscriber gone")
					return
				}
				lastSent[snap.Symbol] = snap.TS
			}
		}
	}
}
