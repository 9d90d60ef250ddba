package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeUpstream is an in-memory engine connection. Frames pushed with emit are returned by
// ReadMessage in order; Close makes reads fail.
type fakeUpstream struct {
	frames  chan Message
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written []Message
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{frames: make(chan Message, 256), closed: make(chan struct{})}
}

func (f *fakeUpstream) emit(data string) {
	f.frames <- Message{Type: TextMessage, Data: []byte(data)}
}

func (f *fakeUpstream) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.frames:
		return m.Type, m.Data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeUpstream) WriteMessage(t int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, Message{Type: t, Data: data})
	return nil
}

func (f *fakeUpstream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeUpstream) writes() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.written...)
}

// scriptedDialer hands out prepared connections; once they run out every dial fails.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeUpstream
	dials atomic.Int32
	urls  []string
}

func (d *scriptedDialer) dial(_ context.Context, u string) (UpstreamConn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, u)
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func newTestRelay(d *scriptedDialer, queue int, retries uint) *Relay {
	return New(Config{
		URL:        "ws://engine.local/ws",
		SendQueue:  queue,
		MaxRetries: retries,
	}, d.dial, nil)
}

func recv(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case m := <-c.Send():
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for frame")
		return Message{}
	}
}

func controlType(t *testing.T, m Message) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(m.Data, &env))
	return env.Type
}

func waitState(t *testing.T, r *Relay, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Status().State == want }, waitFor, 5*time.Millisecond)
}

func TestRelayFirstClientDialsWithClientID(t *testing.T) {
	up := newFakeUpstream()
	d := &scriptedDialer{conns: []*fakeUpstream{up}}
	r := newTestRelay(d, 8, 3)
	defer r.Close()

	assert.Equal(t, StateDisconnected, r.Status().State)

	c := r.Join()
	assert.Equal(t, "relay_status", controlType(t, recv(t, c)))
	waitState(t, r, StateConnected)

	d.mu.Lock()
	dialed := d.urls[0]
	d.mu.Unlock()
	u, err := url.Parse(dialed)
	require.NoError(t, err)
	assert.Equal(t, r.UpstreamClientID(), u.Query().Get("clientId"))

	// A second client shares the upstream.
	c2 := r.Join()
	recv(t, c2)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, 2, r.Status().Clients)
}

func TestRelayBroadcastPreservesOrder(t *testing.T) {
	up := newFakeUpstream()
	r := newTestRelay(&scriptedDialer{conns: []*fakeUpstream{up}}, 64, 3)
	defer r.Close()

	a := r.Join()
	b := r.Join()
	recv(t, a)
	recv(t, b)
	waitState(t, r, StateConnected)

	for i := 0; i < 20; i++ {
		up.emit(fmt.Sprintf(`{"type":"progress","data":{"value":%d}}`, i))
	}

	for _, c := range []*Client{a, b} {
		for i := 0; i < 20; i++ {
			m := recv(t, c)
			assert.JSONEq(t, fmt.Sprintf(`{"type":"progress","data":{"value":%d}}`, i), string(m.Data))
		}
	}
}

func TestRelayDropsSlowClientWithoutBlockingOthers(t *testing.T) {
	up := newFakeUpstream()
	r := newTestRelay(&scriptedDialer{conns: []*fakeUpstream{up}}, 2, 3)
	defer r.Close()

	slow := r.Join()
	fast := r.Join()
	recv(t, fast)
	waitState(t, r, StateConnected)

	// slow still holds its relay_status frame and never reads.
	for i := 0; i < 5; i++ {
		up.emit(fmt.Sprintf(`{"type":"executing","data":{"n":%d}}`, i))
		assert.JSONEq(t, fmt.Sprintf(`{"type":"executing","data":{"n":%d}}`, i), string(recv(t, fast).Data))
	}

	assert.True(t, slow.Closed())
	assert.False(t, fast.Closed())
	assert.Equal(t, 1, r.Status().Clients)
}

func TestRelayForwardsClientFrames(t *testing.T) {
	up := newFakeUpstream()
	r := newTestRelay(&scriptedDialer{conns: []*fakeUpstream{up}}, 8, 3)
	defer r.Close()

	c := r.Join()
	recv(t, c)
	waitState(t, r, StateConnected)

	assert.True(t, r.Forward(TextMessage, []byte(`{"type":"interrupt"}`)))
	writes := up.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, `{"type":"interrupt"}`, string(writes[0].Data))
}

func TestRelayDropsFramesWhileDisconnected(t *testing.T) {
	r := newTestRelay(&scriptedDialer{}, 8, 1)
	defer r.Close()
	assert.False(t, r.Forward(TextMessage, []byte("x")))
}

func TestRelayReconnectsKeepingClients(t *testing.T) {
	first := newFakeUpstream()
	second := newFakeUpstream()
	d := &scriptedDialer{conns: []*fakeUpstream{first, second}}
	r := newTestRelay(d, 8, 3)
	defer r.Close()

	c := r.Join()
	recv(t, c)
	waitState(t, r, StateConnected)

	first.Close()
	require.Eventually(t, func() bool { return d.dials.Load() == 2 }, waitFor, 5*time.Millisecond)
	waitState(t, r, StateConnected)
	assert.False(t, c.Closed())

	second.emit(`{"type":"status"}`)
	assert.JSONEq(t, `{"type":"status"}`, string(recv(t, c).Data))
}

func TestRelayExhaustedRetriesNotifyAndCloseClients(t *testing.T) {
	d := &scriptedDialer{}
	r := newTestRelay(d, 8, 3)
	defer r.Close()

	c := r.Join()
	require.Eventually(t, c.Closed, waitFor, 5*time.Millisecond)

	var types []string
	for len(c.Send()) > 0 {
		types = append(types, controlType(t, <-c.Send()))
	}
	assert.Equal(t, []string{"relay_status", "relay_failed"}, types)
	assert.Equal(t, int32(3), d.dials.Load())
	waitState(t, r, StateDisconnected)
	assert.Equal(t, 0, r.Status().Clients)

	// The next client starts a fresh attempt.
	up := newFakeUpstream()
	d.mu.Lock()
	d.conns = append(d.conns, up)
	d.mu.Unlock()

	next := r.Join()
	recv(t, next)
	waitState(t, r, StateConnected)
	assert.False(t, next.Closed())
}

func TestRelayLeaveKeepsUpstream(t *testing.T) {
	up := newFakeUpstream()
	r := newTestRelay(&scriptedDialer{conns: []*fakeUpstream{up}}, 8, 3)
	defer r.Close()

	c := r.Join()
	recv(t, c)
	waitState(t, r, StateConnected)

	r.Leave(c)
	assert.True(t, c.Closed())
	assert.Equal(t, 0, r.Status().Clients)
	assert.Equal(t, StateConnected, r.Status().State)
}

func TestRelayCloseStopsEverything(t *testing.T) {
	up := newFakeUpstream()
	r := newTestRelay(&scriptedDialer{conns: []*fakeUpstream{up}}, 8, 3)

	c := r.Join()
	recv(t, c)
	waitState(t, r, StateConnected)

	r.Close()
	assert.True(t, c.Closed())
	select {
	case <-up.closed:
	default:
		t.Fatal("upstream left open")
	}
}

func TestRelayJoinAfterCloseReturnsClosedClient(t *testing.T) {
	d := &scriptedDialer{conns: []*fakeUpstream{newFakeUpstream()}}
	r := newTestRelay(d, 8, 3)
	r.Close()

	c := r.Join()
	assert.True(t, c.Closed())
	assert.Equal(t, 0, r.Status().Clients)
	assert.Equal(t, int32(0), d.dials.Load())
}
