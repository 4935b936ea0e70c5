package conn

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Socket is the minimal transport surface the service needs. *websocket.Conn
// satisfies it through the wsSocket wrapper; tests substitute fakes.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Socket for the given URL.
type Dialer func(ctx context.Context, url string) (Socket, error)

// DialWebsocket is the default Dialer, backed by coder/websocket.
func DialWebsocket(ctx context.Context, url string) (Socket, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsSocket{conn: c}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
