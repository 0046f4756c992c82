package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/registry"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeRelay struct {
	published []protocol.Event
	err       error
}

func (f *fakeRelay) Publish(_ context.Context, _ string, e protocol.Event) error {
	f.published = append(f.published, e)
	return f.err
}

func setup(t *testing.T, buffer int) (*Dispatcher, *registry.Connection, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	reg := registry.New(clk, zap.NewNop(), nil)
	conn := registry.NewConnection("c1", "B1", "client", false, t0, buffer, nil)
	require.NoError(t, reg.Register(conn))
	return New(reg, clk, zap.NewNop(), nil), conn, clk
}

func received(t *testing.T, c *registry.Connection) []protocol.VerseStreaming {
	t.Helper()
	var out []protocol.VerseStreaming
	for {
		select {
		case b := <-c.Outbox():
			ev, err := protocol.Decode(b)
			require.NoError(t, err)
			out = append(out, ev.(protocol.VerseStreaming))
		default:
			return out
		}
	}
}

func TestStream_ThrottledThenFinalReconstructsFullText(t *testing.T) {
	d, conn, clk := setup(t, 256)
	chunks := strings.Fields("yo I spit fire on the mic every single night while you sleep tight")

	s := d.NewStream(context.Background(), "B1", "p1", 1, 100*time.Millisecond)
	var want strings.Builder
	for i, c := range chunks {
		if i > 0 {
			c = " " + c
		}
		want.WriteString(c)
		s.Append(c)
		clk.Advance(30 * time.Millisecond)
	}
	full := s.Finish()

	events := received(t, conn)
	require.NotEmpty(t, events)
	assert.Less(t, len(events), len(chunks)+1, "throttle should coalesce chunks")

	last := events[len(events)-1]
	assert.True(t, last.IsComplete)
	assert.Equal(t, want.String(), last.Text)
	assert.Equal(t, want.String(), full)

	// Every partial is a prefix of the final text.
	for _, e := range events[:len(events)-1] {
		assert.False(t, e.IsComplete)
		assert.True(t, strings.HasPrefix(want.String(), e.Text))
	}
}

func TestStream_UnthrottledPublishesEveryChunk(t *testing.T) {
	d, conn, _ := setup(t, 64)

	s := d.NewStream(context.Background(), "B1", "p1", 1, 0)
	s.Append("a")
	s.Append("b")
	s.Finish()
	s.Finish()

	events := received(t, conn)
	require.Len(t, events, 3)
	assert.Equal(t, "ab", events[2].Text)
	assert.True(t, events[2].IsComplete)
}

func TestStream_CancelledStopsBroadcasting(t *testing.T) {
	d, conn, _ := setup(t, 64)
	ctx, cancel := context.WithCancel(context.Background())

	s := d.NewStream(ctx, "B1", "p1", 1, 0)
	s.Append("first")
	cancel()
	s.Append(" second")

	assert.Equal(t, "first second", s.Finish())
	assert.Len(t, received(t, conn), 1)
}

func TestPublish_RelayFailureDoesNotAffectLocalDelivery(t *testing.T) {
	d, conn, _ := setup(t, 8)
	relay := &fakeRelay{err: errors.New("redis down")}
	d.SetRelay(relay)

	ev := protocol.Pong{Header: d.Header(protocol.TypePong, "B1")}
	n := d.Publish(context.Background(), "B1", ev)

	assert.Equal(t, 1, n)
	assert.Len(t, relay.published, 1)
	assert.Len(t, conn.Outbox(), 1)

	// Deliver never touches the relay.
	d.Deliver("B1", ev)
	assert.Len(t, relay.published, 1)
}
