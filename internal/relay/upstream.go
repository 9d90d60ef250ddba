package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// UpstreamConn is the engine side of the relay.
type UpstreamConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the upstream connection.
type Dialer func(ctx context.Context, url string) (UpstreamConn, error)

// GorillaDialer dials the engine with gorilla/websocket. Writes carry writeTimeout as
// deadline.
func GorillaDialer(handshakeTimeout, writeTimeout time.Duration) Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string) (UpstreamConn, error) {
		conn, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return &gorillaConn{Conn: conn, writeTimeout: writeTimeout}, nil
	}
}

type gorillaConn struct {
	*websocket.Conn
	writeTimeout time.Duration
}

func (c *gorillaConn) WriteMessage(messageType int, data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.Conn.WriteMessage(messageType, data)
}
