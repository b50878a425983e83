package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

const writeWait = 10 * time.Second

// socket serialises writes on a connection and keeps it alive with pings.
// gorilla connections allow one reader and one writer at a time; the read
// side belongs to the owner's read loop.
type socket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(ws *websocket.Conn, maxMessageSize int64, pingInterval time.Duration) *socket {
	if maxMessageSize > 0 {
		ws.SetReadLimit(maxMessageSize)
	}
	s := &socket{ws: ws, done: make(chan struct{})}
	if pingInterval > 0 {
		wait := 2 * pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
		go s.keepalive(pingInterval)
	}
	return s
}

func (s *socket) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (s *socket) write(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if f.raw() {
		msgType = websocket.BinaryMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return qerrors.Connection(websocket.ErrCloseSent, "websocket closed")
	default:
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteMessage(msgType, data); err != nil {
		return qerrors.Wrap(qerrors.KindTransport, err, "write %s frame", f.Type)
	}
	return nil
}

// close sends a close frame, closes the connection and releases everyone
// waiting on done. Only the first call has an effect.
func (s *socket) close(code int, text string) {
	s.closeOnce.Do(func() {
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		_ = s.ws.Close()
		close(s.done)
	})
}

func (s *socket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
