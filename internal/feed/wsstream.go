package feed

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsStream presents a websocket as the byte stream a STOMP connection
// expects. Each Write becomes one text message; reads run across message
// boundaries, so a frame split over several messages still parses.
type wsStream struct {
	ws        *websocket.Conn
	writeWait time.Duration
	// onReadError is called once with the first read failure.
	onReadError func(error)

	writeMu sync.Mutex
	r       io.Reader
	errOnce sync.Once
}

func newWSStream(ws *websocket.Conn, writeWait time.Duration) *wsStream {
	return &wsStream{ws: ws, writeWait: writeWait}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				s.readFailed(err)
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			s.readFailed(err)
		}
		return n, err
	}
}

func (s *wsStream) readFailed(err error) {
	s.errOnce.Do(func() {
		if s.onReadError != nil {
			s.onReadError(err)
		}
	})
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeWait > 0 {
		_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeWait))
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.ws.Close()
}
