package relay

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	TextMessage   = 1
	BinaryMessage = 2
)

type Config struct {
	// URL is the engine websocket endpoint without the clientId query.
	URL            string
	SendQueue      int
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Status is a point-in-time view of the relay.
type Status struct {
	State    State  `json:"state"`
	Clients  int    `json:"clients"`
	ClientID string `json:"clientId"`
}

// Relay multiplexes one upstream engine websocket to any number of downstream clients. The
// upstream is dialed when the first client joins and re-dialed with backoff when it drops.
type Relay struct {
	cfg      Config
	dial     Dialer
	clientID string
	logger   *logger.Logger

	clients *xsync.MapOf[string, *Client]

	mu       sync.Mutex
	sm       *stateMachine
	upstream UpstreamConn

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, dial Dialer, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:      cfg,
		dial:     dial,
		clientID: uuid.New().String(),
		logger:   log,
		clients:  xsync.NewMapOf[string, *Client](),
		sm:       newStateMachine(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// UpstreamClientID is the clientId the relay presents to the engine. Tasks queued with it
// report progress over the relay.
func (r *Relay) UpstreamClientID() string {
	return r.clientID
}

func (r *Relay) Status() Status {
	r.mu.Lock()
	state := r.sm.current()
	r.mu.Unlock()
	return Status{State: state, Clients: r.clients.Size(), ClientID: r.clientID}
}

// Join registers a downstream client and makes sure an upstream connection is on its way.
// After Close it returns a client that is already closed.
func (r *Relay) Join() *Client {
	c := newClient(r.cfg.SendQueue)
	if r.ctx.Err() != nil {
		c.close()
		return c
	}

	r.mu.Lock()
	state := r.sm.current()
	r.mu.Unlock()
	c.enqueue(controlMessage("relay_status", map[string]interface{}{"state": state}))

	r.clients.Store(c.ID, c)
	if r.ctx.Err() != nil {
		// Close ran between the check above and Store.
		r.clients.Delete(c.ID)
		c.close()
		return c
	}
	r.logger.Infow("relay_client_joined", "client_id", c.ID, "clients", r.clients.Size())

	r.ensureRunning()
	return c
}

// Leave unregisters a client. The upstream stays up.
func (r *Relay) Leave(c *Client) {
	if _, ok := r.clients.LoadAndDelete(c.ID); ok {
		r.logger.Infow("relay_client_left", "client_id", c.ID, "clients", r.clients.Size())
	}
	c.close()
}

// Forward writes a client frame upstream. Frames are dropped while the upstream is not
// connected.
func (r *Relay) Forward(messageType int, data []byte) bool {
	r.mu.Lock()
	conn := r.upstream
	connected := r.sm.current() == StateConnected
	r.mu.Unlock()

	if !connected || conn == nil {
		r.logger.Debugw("relay_forward_dropped", "reason", "upstream_not_connected", "bytes", len(data))
		return false
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.WriteMessage(messageType, data); err != nil {
		r.logger.Warnw("relay_forward_failed", "error", err)
		return false
	}
	return true
}

// Close tears down the upstream and every client.
func (r *Relay) Close() {
	r.cancel()

	r.mu.Lock()
	if r.upstream != nil {
		_ = r.upstream.Close()
	}
	r.mu.Unlock()

	r.clients.Range(func(id string, c *Client) bool {
		r.clients.Delete(id)
		c.close()
		return true
	})
	r.wg.Wait()
}

func (r *Relay) ensureRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return
	}
	if r.sm.beginConnect() {
		r.wg.Add(1)
		go r.run()
	}
}

func (r *Relay) run() {
	defer r.wg.Done()

	for {
		conn, err := r.connect()
		if err != nil {
			if r.ctx.Err() != nil {
				r.mu.Lock()
				r.sm.markDisconnected()
				r.mu.Unlock()
				return
			}
			r.fail(err)
			return
		}

		if !r.attach(conn) {
			_ = conn.Close()
			return
		}

		err = r.pump(conn)
		r.detach(conn)

		if r.ctx.Err() != nil {
			return
		}
		r.logger.Warnw("relay_upstream_lost", "error", err)

		if !r.restart() {
			r.logger.Infow("relay_idle", "reason", "no_clients")
			return
		}
	}
}

func (r *Relay) connect() (UpstreamConn, error) {
	target := r.upstreamURL()
	return retry.DoWithData(
		func() (UpstreamConn, error) {
			return r.dial(r.ctx, target)
		},
		retry.Context(r.ctx),
		retry.Attempts(r.cfg.MaxRetries),
		retry.Delay(r.cfg.InitialBackoff),
		retry.MaxDelay(r.cfg.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warnw("relay_upstream_dial_failed", "attempt", n+1, "max_attempts", r.cfg.MaxRetries, "error", err)
		}),
	)
}

func (r *Relay) upstreamURL() string {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return r.cfg.URL
	}
	q := u.Query()
	q.Set("clientId", r.clientID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (r *Relay) attach(conn UpstreamConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return false
	}
	r.sm.markConnected()
	r.upstream = conn
	r.logger.Infow("relay_upstream_connected", "client_id", r.clientID)
	return true
}

func (r *Relay) detach(conn UpstreamConn) {
	r.mu.Lock()
	if r.upstream == conn {
		r.upstream = nil
	}
	r.sm.markDisconnected()
	r.mu.Unlock()
	_ = conn.Close()
}

// restart starts another connect round if anyone is still listening.
func (r *Relay) restart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients.Size() == 0 || r.ctx.Err() != nil {
		return false
	}
	return r.sm.beginConnect()
}

// pump reads upstream frames until the connection fails and fans them out in receipt order.
func (r *Relay) pump(conn UpstreamConn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.broadcast(Message{Type: messageType, Data: data})
	}
}

func (r *Relay) broadcast(msg Message) {
	r.clients.Range(func(id string, c *Client) bool {
		if !c.enqueue(msg) {
			r.clients.Delete(id)
			c.close()
			r.logger.Warnw("relay_client_dropped", "client_id", id, "reason", "send_queue_full")
		}
		return true
	})
}

// fail gives up on the upstream after the retry budget is spent. Every client is told why
// and closed; the next Join starts over.
func (r *Relay) fail(cause error) {
	r.mu.Lock()
	r.sm.markDisconnected()
	r.mu.Unlock()

	r.logger.Errorw("relay_upstream_failed", "attempts", r.cfg.MaxRetries, "error", cause)

	msg := controlMessage("relay_failed", map[string]interface{}{"error": cause.Error()})
	r.clients.Range(func(id string, c *Client) bool {
		r.clients.Delete(id)
		c.enqueue(msg)
		c.close()
		return true
	})
}

func controlMessage(kind string, data map[string]interface{}) Message {
	payload, _ := json.Marshal(map[string]interface{}{
		"type": kind,
		"data": data,
	})
	return Message{Type: TextMessage, Data: payload}
}
