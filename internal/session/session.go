// Package session provides the WebSocket substrate shared by devices and
// operator consoles, and the registry that tracks who is connected.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	maxMsgSize = 2 * 1024 * 1024  // device frames carry base-64 JPEG captures
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Devices and consoles live on the same trusted LAN segment.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ErrClosed is returned by Send after the session shut down.
var ErrClosed = errors.New("session closed")

// Session is one bidirectional channel, device or operator. Frames handed to
// Send are serialized by the write pump; Send never blocks the caller.
type Session interface {
	ID() string
	RemoteAddr() string
	Send(frame any) error
	Close()
	Done() <-chan struct{}
}

// WSSession is the gorilla/websocket-backed Session. Two goroutines with
// clear ownership: writePump owns all writes (data, ping, close), readPump
// owns all reads and hands frames to the dispatcher in arrival order.
type WSSession struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{} // closed by Close; tells the pumps to stop
	flushed  chan struct{} // closed by writePump after the final drain
	once     sync.Once
	dispatch func(Session, []byte)
	onClose  func(sessionID string)
}

// NewHTTPHandler returns the /ws endpoint. Every accepted connection becomes
// a Session; role (device vs operator) is discovered later from the first
// command the peer sends, so nothing is registered here.
func NewHTTPHandler(dispatch func(Session, []byte), onClose func(sessionID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "err", err)
			return
		}
		s := &WSSession{
			id:       uuid.New().String(),
			conn:     conn,
			send:     make(chan []byte, sendBuffer),
			done:     make(chan struct{}),
			flushed:  make(chan struct{}),
			dispatch: dispatch,
			onClose:  onClose,
		}
		slog.Debug("session connected", "session_id", s.id, "remote", conn.RemoteAddr())
		go s.writePump()
		go s.readPump()
	}
}

func (s *WSSession) ID() string         { return s.id }
func (s *WSSession) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Done closes once the write pump has flushed the queued frames and released
// the transport. Shutdown waits on this so frames like cleanlog/cleanuser
// reach the device before the process exits.
func (s *WSSession) Done() <-chan struct{} { return s.flushed }

// Send marshals the frame and enqueues it. A full buffer drops the frame;
// slow consoles must not stall the scan path.
func (s *WSSession) Send(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		slog.Debug("send buffer full, dropping frame", "session_id", s.id)
		return nil
	}
}

// Close shuts the session down exactly once. Queued frames are flushed by
// the write pump before the transport closes.
func (s *WSSession) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose(s.id)
		}
		slog.Debug("session closed", "session_id", s.id)
	})
}

func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.flushed)
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("write failed", "session_id", s.id, "err", err)
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			// Drain what was queued before the close, then say goodbye.
			for {
				select {
				case payload := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if s.conn.WriteMessage(websocket.TextMessage, payload) != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}

func (s *WSSession) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("read failed", "session_id", s.id, "err", err)
			}
			return
		}
		// Sequential dispatch preserves per-device frame order.
		s.dispatch(s, payload)
	}
}
