package wire

import (
	"bytes"
	"io"

	"github.com/gorilla/websocket"
)

// WebSocketStream adapts a websocket connection to the duplex byte-stream
// contract Conn expects. Each websocket text message carries one or more
// newline-delimited records; each Write becomes one text message.
type WebSocketStream struct {
	conn *websocket.Conn
	rbuf bytes.Buffer
}

// NewWebSocketStream wraps the given websocket connection.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

// Read implements io.Reader over incoming websocket messages.
func (s *WebSocketStream) Read(p []byte) (int, error) {
	for s.rbuf.Len() == 0 {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.rbuf.Write(data)
		// The peer may omit the trailing newline on a one-record message.
		if len(data) > 0 && data[len(data)-1] != '\n' {
			s.rbuf.WriteByte('\n')
		}
	}
	return s.rbuf.Read(p)
}

// Write implements io.Writer, sending each record as one text message.
func (s *WebSocketStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(p, "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying websocket connection.
func (s *WebSocketStream) Close() error {
	return s.conn.Close()
}
