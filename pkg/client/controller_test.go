package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

type fakeConn struct {
	inbox  chan protocol.Event
	sent   chan protocol.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan protocol.Event, 16),
		sent:   make(chan protocol.Event, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Send(_ context.Context, e protocol.Event) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	case f.sent <- e:
		return nil
	}
}

func (f *fakeConn) Recv(ctx context.Context) (protocol.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, io.EOF
	case e := <-f.inbox:
		return e, nil
	}
}

func (f *fakeConn) Close() error {
	f.drop()
	return nil
}

func (f *fakeConn) drop() { f.once.Do(func() { close(f.closed) }) }

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    chan *fakeConn
}

func (f *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	f.dials++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-f.conns:
		return c, nil
	}
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

type fakeAPI struct {
	mu         sync.Mutex
	snap       protocol.Battle
	snapshots  int
	startCalls int
}

func (f *fakeAPI) set(b protocol.Battle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = b
}

func (f *fakeAPI) Snapshot(context.Context, string) (protocol.Battle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return f.snap, nil
}

func (f *fakeAPI) StartLive(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.snap.IsLive = true
	return nil
}

func (f *fakeAPI) counts() (snapshots, starts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots, f.startCalls
}

func battle(live bool, comments ...protocol.Comment) protocol.Battle {
	return protocol.Battle{ID: "B1", CurrentRound: 1, MaxRounds: 3, Phase: "idle", Status: "active", IsLive: live, Comments: comments}
}

func comment(id string, at int64) protocol.Comment {
	return protocol.Comment{ID: id, UserID: "u", Text: id, CreatedAt: at}
}

type fixture struct {
	ctl       *Controller
	transport *fakeTransport
	api       *fakeAPI
}

func newFixture(t *testing.T, admin bool, initial protocol.Battle) *fixture {
	t.Helper()
	tr := &fakeTransport{conns: make(chan *fakeConn, 4)}
	api := &fakeAPI{snap: initial}
	ctl := New(Config{
		BattleID:   "B1",
		IsAdmin:    admin,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}, tr, api, zaptest.NewLogger(t))
	ctl.Start(context.Background())
	t.Cleanup(ctl.Close)
	return &fixture{ctl: ctl, transport: tr, api: api}
}

// connect hands the controller a socket and waits until it is resynced.
func (f *fixture) connect(t *testing.T) *fakeConn {
	t.Helper()
	before, _ := f.api.counts()
	c := newFakeConn()
	f.transport.conns <- c
	require.Eventually(t, func() bool {
		n, _ := f.api.counts()
		return n > before && f.ctl.Status() == StatusConnected
	}, 2*time.Second, 2*time.Millisecond)
	return c
}

func TestController_InitialConnectJoinsAndResyncs(t *testing.T) {
	f := newFixture(t, true, battle(true, comment("c1", 1)))
	c := f.connect(t)

	join := (<-c.sent).(protocol.Join)
	assert.Equal(t, "B1", join.BattleID)
	assert.True(t, join.IsAdmin)
	assert.NotEmpty(t, join.ClientID)

	require.Eventually(t, func() bool { return f.ctl.View().Loaded }, time.Second, 2*time.Millisecond)
	v := f.ctl.View()
	assert.True(t, v.Battle.IsLive)
	assert.Len(t, v.Battle.Comments, 1)
}

func TestController_ReconnectMergesCommentsWithoutDuplicates(t *testing.T) {
	f := newFixture(t, false, battle(true, comment("c1", 1)))
	c := f.connect(t)

	c.inbox <- protocol.CommentAdded{Header: protocol.NewHeader(protocol.TypeCommentAdded, "B1", time.UnixMilli(2)), Comment: comment("c2", 2)}
	require.Eventually(t, func() bool { return len(f.ctl.View().Battle.Comments) == 2 }, time.Second, 2*time.Millisecond)

	// The snapshot after reconnect has an edited c1 and a comment missed
	// while offline, but not c2.
	edited := comment("c1", 1)
	edited.Text = "edited"
	f.api.set(battle(true, edited, comment("c3", 3)))
	c.drop()
	f.connect(t)

	require.Eventually(t, func() bool { return len(f.ctl.View().Battle.Comments) == 3 }, time.Second, 2*time.Millisecond)
	got := f.ctl.View().Battle.Comments
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "edited", got[0].Text)
}

func TestController_AdminAutoResumesOnce(t *testing.T) {
	f := newFixture(t, true, battle(true))
	c := f.connect(t)

	// Server restarts: the battle comes back not live.
	f.api.set(battle(false))
	c.drop()
	c = f.connect(t)
	require.Eventually(t, func() bool {
		_, starts := f.api.counts()
		return starts == 1
	}, time.Second, 2*time.Millisecond)

	// Another stop-and-reconnect does not resume a second time.
	f.api.set(battle(false))
	c.drop()
	f.connect(t)
	time.Sleep(20 * time.Millisecond)
	_, starts := f.api.counts()
	assert.Equal(t, 1, starts)
}

func TestController_ResumeDependsOnWhoEndedTheBroadcast(t *testing.T) {
	tests := []struct {
		name      string
		initiator protocol.Initiator
		resumes   bool
	}{
		{"host ended", protocol.InitiatedByAdmin, false},
		{"timeout", protocol.InitiatedByTimeout, false},
		{"server shutdown", protocol.InitiatedBySystem, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, battle(true))
			c := f.connect(t)

			c.inbox <- protocol.LiveEnded{
				Header:      protocol.NewHeader(protocol.TypeLiveEnded, "B1", time.Now()),
				Reason:      "x",
				InitiatedBy: tt.initiator,
			}
			require.Eventually(t, func() bool { return f.ctl.View().Ended != nil }, time.Second, 2*time.Millisecond)
			assert.Equal(t, tt.initiator == protocol.InitiatedByAdmin, f.ctl.View().HostEnded())

			f.api.set(battle(false))
			c.drop()
			f.connect(t)
			time.Sleep(20 * time.Millisecond)
			_, starts := f.api.counts()
			if tt.resumes {
				assert.Equal(t, 1, starts)
			} else {
				assert.Zero(t, starts)
			}
		})
	}
}

func TestController_ViewerNeverResumes(t *testing.T) {
	f := newFixture(t, false, battle(true))
	c := f.connect(t)
	f.api.set(battle(false))
	c.drop()
	f.connect(t)
	time.Sleep(20 * time.Millisecond)
	_, starts := f.api.counts()
	assert.Zero(t, starts)
}

func TestController_RetriesFailedDials(t *testing.T) {
	tr := &fakeTransport{conns: make(chan *fakeConn, 1), failures: 2}
	api := &fakeAPI{snap: battle(false)}
	ctl := New(Config{
		BattleID:   "B1",
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}, tr, api, zaptest.NewLogger(t))
	ctl.Start(context.Background())
	defer ctl.Close()

	tr.conns <- newFakeConn()
	require.Eventually(t, func() bool { return ctl.Status() == StatusConnected }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 3, tr.dialCount())
}

func TestController_CloseIsTerminal(t *testing.T) {
	f := newFixture(t, false, battle(true))
	c := f.connect(t)

	var statuses []Status
	var mu sync.Mutex
	f.ctl.OnChange(func(s Status, _ View) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	f.ctl.Close()
	assert.Equal(t, StatusDisconnected, f.ctl.Status())
	dials := f.transport.dialCount()

	c.drop()
	f.transport.conns <- newFakeConn()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dials, f.transport.dialCount())

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, statuses, StatusConnecting)
}
