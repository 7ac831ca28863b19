package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests pin or advance the hub's notion of now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestHub(t *testing.T) (*Hub, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	h := New(Options{
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	return h, clock
}

func newTestConn(t *testing.T, h *Hub, id string) *Conn {
	t.Helper()
	c := NewConn(id, "203.0.113.10")
	h.AddConn(c)
	return c
}

// drainFrames decodes every frame currently queued on the connection.
func drainFrames(t *testing.T, c *Conn) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case raw := <-c.Send():
			var frame map[string]any
			require.NoError(t, json.Unmarshal(raw, &frame))
			out = append(out, frame)
		default:
			return out
		}
	}
}

// framesOfType filters a drained batch by the type discriminator.
func framesOfType(frames []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, f := range frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}
