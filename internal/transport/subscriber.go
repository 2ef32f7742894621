package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjboer/leostream/internal/wire"
)

// Subscriber is a minimal stream client used by tests and diagnostics.
type Subscriber struct {
	conn *websocket.Conn
}

// Dial connects to a ws:// stream URL.
func Dial(ctx context.Context, url string) (*Subscriber, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   65536,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Subscriber{conn: conn}, nil
}

// NextRaw returns the next envelope as received.
func (s *Subscriber) NextRaw(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		kind, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if kind == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

// Next returns the next decoded frame.
func (s *Subscriber) Next(ctx context.Context) (wire.Metadata, []complex64, error) {
	msg, err := s.NextRaw(ctx)
	if err != nil {
		return wire.Metadata{}, nil, err
	}
	return wire.Decode(msg)
}

// Close terminates the connection.
func (s *Subscriber) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
