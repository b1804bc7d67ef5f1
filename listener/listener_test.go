package listener

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	started   []int64
	completed []Status
}

func (r *recordingListener) OnCycleStart(version int64) { r.started = append(r.started, version) }
func (r *recordingListener) OnCycleSkip(reason string)  {}
func (r *recordingListener) OnCycleComplete(status Status) {
	r.completed = append(r.completed, status)
}

type panickyListener struct{}

func (panickyListener) OnCycleStart(int64)     { panic("boom") }
func (panickyListener) OnCycleSkip(string)     {}
func (panickyListener) OnCycleComplete(Status) {}

func TestDispatchDeliversToMatchingRole(t *testing.T) {
	var f Fabric
	rec := &recordingListener{}
	f.Register(rec)

	f.CycleStart(42)
	require.Equal(t, []int64{42}, rec.started)
}

func TestDispatchIsolatesPanickingListener(t *testing.T) {
	var f Fabric
	f.Register(panickyListener{})
	rec := &recordingListener{}
	f.Register(rec)

	require.NotPanics(t, func() { f.CycleStart(1) })
	require.Equal(t, []int64{1}, rec.started, "a later listener must still run after an earlier one panics")
}

type chainRecorder struct{ versions []int64 }

func (c *chainRecorder) OnNewDeltaChain(v int64) { c.versions = append(c.versions, v) }

func TestDispatchNewDeltaChainRole(t *testing.T) {
	var f Fabric
	rec := &chainRecorder{}
	f.Register(rec)
	f.NewDeltaChain(7)
	require.Equal(t, []int64{7}, rec.versions)
}

func TestUnregisterStopsFurtherDispatch(t *testing.T) {
	var f Fabric
	rec := &recordingListener{}
	f.Register(rec)
	f.CycleStart(1)
	f.Unregister(rec)
	f.CycleStart(2)
	require.Equal(t, []int64{1}, rec.started)
}

func TestAggregatePassesOnlyWhenAllPassed(t *testing.T) {
	allPassed := Aggregate([]ValidationResult{Pass("a"), Pass("b")})
	require.True(t, allPassed.Passed)

	oneFailed := Aggregate([]ValidationResult{Pass("a"), Fail("b", "bad row")})
	require.False(t, oneFailed.Passed)
}

func TestStatusBuilderCapturesElapsed(t *testing.T) {
	b := NewStatusBuilder()
	status := b.Complete(nil)
	require.True(t, status.Success)
	require.GreaterOrEqual(t, status.ElapsedMillis, int64(0))
}
