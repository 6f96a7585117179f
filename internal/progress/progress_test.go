package progress_test

import (
	"testing"
	"time"

	"github.com/coreraft/raft/internal/progress"
	"github.com/stretchr/testify/require"
)

func TestNewProgressStartsInProbe(t *testing.T) {
	p := progress.New(2, 10)
	require.Equal(t, progress.StateProbe, p.State)
	require.Equal(t, uint64(11), p.NextIndex)
	require.Equal(t, uint64(0), p.MatchIndex)
}

func TestOnAppendSuccessPromotesToPipeline(t *testing.T) {
	p := progress.New(2, 10)
	p.OnAppendSuccess(11)
	require.Equal(t, progress.StatePipeline, p.State)
	require.Equal(t, uint64(11), p.MatchIndex)
	require.Equal(t, uint64(12), p.NextIndex)
}

func TestOnAppendRejectNeverGoesBelowMatchPlusOne(t *testing.T) {
	p := progress.New(2, 10)
	p.OnAppendSuccess(5)
	require.Equal(t, uint64(5), p.MatchIndex)

	p.OnAppendReject(1) // aggressive reject hint
	require.Equal(t, progress.StateProbe, p.State)
	require.GreaterOrEqual(t, p.NextIndex, p.MatchIndex+1)
}

func TestSnapshotLifecycle(t *testing.T) {
	p := progress.New(2, 100)
	require.False(t, p.NeedsSnapshot(50)) // next=101 is above snapshot boundary 50

	p2 := progress.New(2, 10)
	p2.NextIndex = 5
	require.True(t, p2.NeedsSnapshot(20))

	p2.SendSnapshot(20)
	require.Equal(t, progress.StateSnapshot, p2.State)
	require.False(t, p2.CanSend())

	p2.OnSnapshotSuccess()
	require.Equal(t, progress.StateProbe, p2.State)
	require.Equal(t, uint64(20), p2.MatchIndex)
	require.Equal(t, uint64(21), p2.NextIndex)
}

func TestCatchUpRound(t *testing.T) {
	p := progress.New(4, 10)
	now := time.Now()
	round := p.StartRound(10, now)
	require.Equal(t, 0, round.Number)
	require.False(t, p.RoundComplete(time.Second, now))

	p.MatchIndex = 10
	require.True(t, p.RoundComplete(time.Second, now.Add(100*time.Millisecond)))
	require.False(t, p.RoundComplete(time.Second, now.Add(2*time.Second)))

	next := p.StartRound(15, now)
	require.Equal(t, 1, next.Number)
}

func TestPipelineWindowBlocksWhenFull(t *testing.T) {
	p := progress.New(2, 0)
	p.OnAppendSuccess(1)
	require.Equal(t, progress.StatePipeline, p.State)
	for i := 0; i < 64; i++ {
		p.RecordSend(uint64(i+2), time.Now())
	}
	require.False(t, p.CanSend())
}
