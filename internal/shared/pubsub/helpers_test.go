package pubsub

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
	writeErr  error
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "127.0.0.1:0" }

func (f *fakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeTransport) Closed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

type fixture struct {
	clock    *clockwork.FakeClock
	registry *Registry
	broker   *Broker
}

func newFixture(t *testing.T, opts ConnectionOptions) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(opts, clock, zerolog.Nop())
	return &fixture{
		clock:    clock,
		registry: registry,
		broker:   NewBroker(registry, 0, clock, zerolog.Nop()),
	}
}

func (f *fixture) connect(t *testing.T, id string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	conn, err := f.registry.Register(tr, id)
	require.NoError(t, err)
	return conn, tr
}

// queued decodes the envelopes pending on conn without draining it.
func queued(t *testing.T, conn *Connection) []messaging.Envelope {
	t.Helper()
	conn.queueMu.Lock()
	defer conn.queueMu.Unlock()
	out := make([]messaging.Envelope, 0, len(conn.queue))
	for _, raw := range conn.queue {
		env, err := messaging.Decode(raw)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// received flattens every frame written to tr into envelopes in wire order.
func received(t *testing.T, tr *fakeTransport) []messaging.Envelope {
	t.Helper()
	var out []messaging.Envelope
	for _, frame := range tr.Frames() {
		envs, err := messaging.DecodeFrame(frame)
		require.NoError(t, err)
		out = append(out, envs...)
	}
	return out
}

func seqOf(t *testing.T, env messaging.Envelope) int {
	t.Helper()
	var p struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p.Seq
}
