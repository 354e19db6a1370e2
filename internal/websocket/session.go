// Package websocket streams load events to browser clients over WebSocket.
//
// A Session owns one upgraded connection. It forwards every event received on
// its event channel as a JSON text frame, keeps the connection alive with
// periodic pings and ends when the client goes away, the event channel closes
// or Close is called.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"posttrade/internal/service"
)

const (
	defaultPingPeriod  = 15 * time.Second
	defaultSendTimeout = 5 * time.Second
	defaultReadLimit   = 4 << 10 // clients only send control frames
	closeWait          = 5 * time.Second
)

// ErrNoEvents is returned when a session is started without an event channel.
var ErrNoEvents = errors.New("event channel is required")

// Config defines settings for a session. Zero values select the defaults.
type Config struct {
	PingPeriod  time.Duration // Interval between ping frames
	SendTimeout time.Duration // Write deadline of every frame
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Session forwards load events to one WebSocket client.
type Session struct {
	conn   *websocket.Conn
	events <-chan service.LoadEvent
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed once both loops exited and the connection is closed
}

// Serve upgrades the request and starts forwarding events.
//
// On failure the upgrader has already answered the client with an HTTP error.
func Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, events <-chan service.LoadEvent, cfg Config) (*Session, error) {
	if events == nil {
		return nil, ErrNoEvents
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		conn:   conn,
		events: events,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.run()
	return s, nil
}

// run starts the read and write loops and the shutdown listener.
func (s *Session) run() {
	s.conn.SetReadLimit(defaultReadLimit)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingPeriod * 2)); err != nil {
		log.Warn().Err(err).Msg("failed to set read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingPeriod * 2))
	})

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop()
	}()
	go func() {
		defer close(writeDone)
		s.writeLoop()
	}()
	go func() {
		<-s.ctx.Done()
		s.closeConn()
		<-readDone
		<-writeDone
		close(s.done)
	}()
}

// readLoop drains client frames so control frames are processed, and ends the
// session on the first read error.
func (s *Session) readLoop() {
	defer s.cancel()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket closed by client")
			} else if websocket.IsUnexpectedCloseError(err) {
				log.Warn().Err(err).Msg("unexpected websocket closure")
			}
			return
		}
	}
}

// writeLoop is the only writer of data and ping frames.
func (s *Session) writeLoop() {
	defer s.cancel()

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			if err := s.writeEvent(ev); err != nil {
				log.Warn().Err(err).Msg("failed to send event")
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("ping error")
				return
			}
		}
	}
}

func (s *Session) writeEvent(ev service.LoadEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// closeConn sends a close frame and closes the connection, which unblocks the read loop.
func (s *Session) closeConn() {
	if err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Msg("failed to send close frame")
	}
	if err := s.conn.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing websocket connection")
	}
}

// Done returns a channel that is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session and waits for its goroutines. It is safe to call more than once.
func (s *Session) Close() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(closeWait):
		log.Warn().Msg("timeout waiting for websocket session to close")
	}
}
