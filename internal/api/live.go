package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/triage-gateway/internal/observability"
	"github.com/lexiqai/triage-gateway/internal/runstats"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBuffer   = 32
)

var upgrader = websocket.Upgrader{
	// Read-only telemetry; origin is not checked.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// subscriber is one connected live feed client
type subscriber struct {
	conn *websocket.Conn
	send chan runstats.Run
	done chan struct{}
}

// LiveFeed fans recorded runs out to websocket clients. Slow clients drop runs rather
// than block the recording path.
type LiveFeed struct {
	store  *runstats.Store
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewLiveFeed creates a feed. store is used to replay recent runs on connect.
func NewLiveFeed(store *runstats.Store, logger zerolog.Logger) *LiveFeed {
	return &LiveFeed{
		store:  store,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish delivers run to every subscriber without blocking.
func (f *LiveFeed) Publish(run runstats.Run) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for s := range f.subs {
		select {
		case s.send <- run:
		default:
			f.logger.Warn().Str("trace_id", run.TraceID).Msg("live feed client too slow, dropping run")
		}
	}
}

// Subscribers returns the number of connected clients.
func (f *LiveFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close disconnects every client.
func (f *LiveFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for s := range f.subs {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
		delete(f.subs, s)
		observability.LiveSubscriberDisconnected()
	}
}

func (f *LiveFeed) add(s *subscriber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.subs[s] = struct{}{}
	observability.LiveSubscriberConnected()
	return true
}

func (f *LiveFeed) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		observability.LiveSubscriberDisconnected()
	}
}

// ServeHTTP upgrades the connection and streams runs as JSON messages. The optional
// backlog query parameter replays that many recent runs first, oldest first.
func (f *LiveFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		f.logger.Warn().Err(err).Msg("failed to upgrade live feed connection")
		return
	}
	defer conn.Close()

	s := &subscriber{
		conn: conn,
		send: make(chan runstats.Run, sendBuffer),
		done: make(chan struct{}),
	}
	if !f.add(s) {
		return
	}
	defer f.remove(s)

	logger := f.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("live feed client connected")

	go f.readLoop(s, logger)

	if n, err := strconv.Atoi(r.URL.Query().Get("backlog")); err == nil && n > 0 && f.store != nil {
		recent := f.store.List(n)
		for i := len(recent) - 1; i >= 0; i-- {
			if err := f.write(s, recent[i]); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			logger.Info().Msg("live feed client disconnected")
			return
		case run := <-s.send:
			if err := f.write(s, run); err != nil {
				logger.Warn().Err(err).Msg("live feed write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (f *LiveFeed) write(s *subscriber, run runstats.Run) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(run)
}

// readLoop discards client messages and closes done when the connection ends.
func (f *LiveFeed) readLoop(s *subscriber, logger zerolog.Logger) {
	defer close(s.done)

	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("live feed read error")
			}
			return
		}
	}
}
