package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

func hdr(t protocol.Type, ms int64) protocol.Header {
	return protocol.NewHeader(t, "B1", time.UnixMilli(ms))
}

func TestReduce_VerseStreamThenComplete(t *testing.T) {
	v := Reduce(View{}, protocol.StateSync{Header: hdr(protocol.TypeStateSync, 1), Battle: battle(true), ViewerCount: 4})
	require.True(t, v.Loaded)
	assert.Equal(t, 4, v.ViewerCount)

	chunks := []string{"Alpha ", "Alpha on ", "Alpha on the mic"}
	for i, text := range chunks {
		v = Reduce(v, protocol.VerseStreaming{Header: hdr(protocol.TypeVerseStreaming, int64(10+i)), PersonaID: "a", Round: 1, Text: text})
	}
	require.NotNil(t, v.Streaming)
	assert.Equal(t, "Alpha on the mic", v.Streaming.Text)
	assert.Equal(t, "generating", v.Battle.Phase)

	complete := protocol.VerseComplete{Header: hdr(protocol.TypeVerseComplete, 20), PersonaID: "a", VerseText: "Alpha on the mic", Round: 1}
	v = Reduce(v, complete)
	v = Reduce(v, complete)
	assert.Nil(t, v.Streaming)
	require.Len(t, v.Battle.Verses, 1)
	assert.Equal(t, "Alpha on the mic", v.Battle.Verses[0].Text)
	assert.Equal(t, "idle", v.Battle.Phase)
}

func TestReduce_Phases(t *testing.T) {
	v := Reduce(View{}, protocol.StateSync{Header: hdr(protocol.TypeStateSync, 1), Battle: battle(true)})

	v = Reduce(v, protocol.PhaseReading{Header: hdr(protocol.TypePhaseReading, 100), Round: 1, Duration: 20})
	assert.Equal(t, "reading", v.Battle.Phase)
	assert.Equal(t, 20, v.Battle.PhaseDuration)
	assert.Equal(t, int64(100), v.Battle.PhaseStartedAt)

	v = Reduce(v, protocol.PhaseVoting{Header: hdr(protocol.TypePhaseVoting, 200), Round: 1, Duration: 10})
	assert.Equal(t, "voting", v.Battle.Phase)
	assert.Equal(t, 10, v.Battle.PhaseDuration)

	next := battle(true)
	next.CurrentRound = 2
	v = Reduce(v, protocol.RoundAdvanced{Header: hdr(protocol.TypeRoundAdvanced, 300), NewRound: 2, Battle: next})
	assert.Equal(t, 2, v.Battle.CurrentRound)
	assert.Equal(t, "idle", v.Battle.Phase)
}

func TestReduce_EndingsAndWarnings(t *testing.T) {
	v := Reduce(View{}, protocol.StateSync{Header: hdr(protocol.TypeStateSync, 1), Battle: battle(true)})

	v = Reduce(v, protocol.Warning{Header: hdr(protocol.TypeWarning, 2), Reason: protocol.WarnAdminTimeout, SecondsRemaining: 30})
	require.NotNil(t, v.Warning)
	assert.Equal(t, 30, v.Warning.SecondsRemaining)

	v = Reduce(v, protocol.LiveEnded{Header: hdr(protocol.TypeLiveEnded, 3), Reason: "admin_timeout", InitiatedBy: protocol.InitiatedByTimeout})
	assert.False(t, v.Battle.IsLive)
	assert.Nil(t, v.Warning)
	assert.False(t, v.HostEnded())

	v = Reduce(v, protocol.LiveStarted{Header: hdr(protocol.TypeLiveStarted, 4), Battle: battle(true)})
	assert.True(t, v.Battle.IsLive)
	assert.Nil(t, v.Ended)

	v = Reduce(v, protocol.LiveEnded{Header: hdr(protocol.TypeLiveEnded, 5), Reason: "admin_stopped", InitiatedBy: protocol.InitiatedByAdmin})
	assert.True(t, v.HostEnded())
}

func TestReduce_PresenceAndAutoPlay(t *testing.T) {
	v := Reduce(View{}, protocol.PresenceUpdated{Header: hdr(protocol.TypePresence, 1), ViewerCount: 7, AdminConnected: true})
	assert.Equal(t, 7, v.ViewerCount)
	assert.True(t, v.AdminConnected)

	ap := protocol.AutoPlay{Enabled: true, VerseDelay: 3}
	v = Reduce(v, protocol.AutoPlayUpdated{Header: hdr(protocol.TypeAutoPlayUpdated, 2), AutoPlay: ap})
	assert.Equal(t, ap, v.Battle.AutoPlay)

	before := v
	v = Reduce(v, protocol.Pong{Header: hdr(protocol.TypePong, 3)})
	assert.Equal(t, before, v)
}

func TestMergeComments(t *testing.T) {
	local := []protocol.Comment{comment("b", 2), comment("a", 1)}
	snap := []protocol.Comment{comment("c", 3), comment("a", 1)}
	snap[1].Text = "server copy"

	got := MergeComments(local, snap)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "server copy", got[0].Text)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)

	// Merging the result again changes nothing.
	assert.Equal(t, got, MergeComments(got, snap))
}

func TestMergeComments_SameInstantOrdersByID(t *testing.T) {
	got := MergeComments([]protocol.Comment{comment("z", 5)}, []protocol.Comment{comment("m", 5)})
	assert.Equal(t, "m", got[0].ID)
	assert.Equal(t, "z", got[1].ID)
}
