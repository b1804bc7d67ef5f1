package cycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sediment/sediment/listener"
	"github.com/sediment/sediment/schema"
	"github.com/sediment/sediment/writestate"
)

var errPopulateForTest = errors.New("populate task failed")

func movieSchemas(t *testing.T) schema.Set {
	t.Helper()
	set, err := schema.NewSet([]schema.Schema{
		&schema.Object{
			Name: "Movie",
			Fields: []schema.Field{
				{Name: "id", Type: schema.Int},
				{Name: "title", Type: schema.String},
			},
			PrimaryKey: []string{"id"},
		},
	})
	require.NoError(t, err)
	return set
}

// fakePublisher records every staged blob in memory; Publish is a
// no-op since Stage already made the bytes durable for this test.
type fakePublisher struct {
	mu     sync.Mutex
	staged [][]byte
}

func (p *fakePublisher) Stage(_ context.Context, data []byte) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), data...)
	p.staged = append(p.staged, cp)
	return len(p.staged) - 1, nil
}

func (p *fakePublisher) Publish(context.Context, Handle) error { return nil }

type fakeAnnouncer struct {
	mu        sync.Mutex
	announced []int64
	fail      bool
}

var errAnnounceRejected = errors.New("announce rejected")

func (a *fakeAnnouncer) Announce(_ context.Context, version int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errAnnounceRejected
	}
	a.announced = append(a.announced, version)
	return nil
}

func addMovie(id int64, title string) PopulateTask {
	return func(_ context.Context, w *writestate.Engine) error {
		_, err := w.Add("Movie", writestate.Record{Values: []writestate.Value{
			{Kind: schema.Int, I: id},
			{Kind: schema.String, S: title},
		}})
		return err
	}
}

// eventRecorder implements the delta-chain, cycle, populate, publish,
// integrity-check and announcement roles and records the order events
// arrive in.
type eventRecorder struct {
	events []string
}

func (r *eventRecorder) record(name string) { r.events = append(r.events, name) }

func (r *eventRecorder) OnNewDeltaChain(int64)                  { r.record("NewDeltaChain") }
func (r *eventRecorder) OnCycleStart(int64)                     { r.record("CycleStart") }
func (r *eventRecorder) OnCycleSkip(string)                     { r.record("CycleSkip") }
func (r *eventRecorder) OnCycleComplete(listener.Status)        { r.record("CycleComplete") }
func (r *eventRecorder) OnPopulateStart(int64)                  { r.record("PopulateStart") }
func (r *eventRecorder) OnPopulateComplete(listener.Status)     { r.record("PopulateComplete") }
func (r *eventRecorder) OnNoDeltaAvailable(int64)               { r.record("NoDeltaAvailable") }
func (r *eventRecorder) OnPublishStart(int64)                   { r.record("PublishStart") }
func (r *eventRecorder) OnPublishComplete(listener.Status)      { r.record("PublishComplete") }
func (r *eventRecorder) OnArtifactPublish(int64, string)        { r.record("ArtifactPublish") }
func (r *eventRecorder) OnIntegrityCheckStart(int64)            { r.record("IntegrityCheckStart") }
func (r *eventRecorder) OnIntegrityCheckComplete(listener.Status) {
	r.record("IntegrityCheckComplete")
}
func (r *eventRecorder) OnAnnouncementStart(int64)              { r.record("AnnouncementStart") }
func (r *eventRecorder) OnAnnouncementComplete(listener.Status) { r.record("AnnouncementComplete") }

// S1: the first cycle of a fresh orchestrator fires NewDeltaChain
// before CycleStart, then the full populate/publish/integrity/announce
// event sequence with three published artifacts; a second cycle on the
// now-established chain fires no NewDeltaChain.
func TestRunCycleFirstCycleEventOrder(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	fabric := &listener.Fabric{}
	rec := &eventRecorder{}
	fabric.Register(rec)
	o := New(schemas, pub, ann, nil, nil, fabric)

	result := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.True(t, result.Success)
	require.Equal(t, []string{
		"NewDeltaChain",
		"CycleStart",
		"PopulateStart",
		"PopulateComplete",
		"PublishStart",
		"ArtifactPublish",
		"ArtifactPublish",
		"ArtifactPublish",
		"PublishComplete",
		"IntegrityCheckStart",
		"IntegrityCheckComplete",
		"AnnouncementStart",
		"AnnouncementComplete",
		"CycleComplete",
	}, rec.events)

	rec.events = nil
	second := o.RunCycle(context.Background(), addMovie(2, "Tenet"))
	require.True(t, second.Success)
	require.NotContains(t, rec.events, "NewDeltaChain", "an established delta chain must not restart")
	require.Equal(t, "CycleStart", rec.events[0])
}

// S1: minimal cycle — populate one record, expect a successful
// announced cycle with a fresh read state containing it.
func TestRunCycleMinimal(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	result := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.True(t, result.Success)
	require.False(t, result.Skipped)
	require.NotZero(t, result.Version)
	require.Len(t, ann.announced, 1)

	st := o.CurrentState()
	require.NotNil(t, st)
	require.True(t, st.Populated("Movie").Contains(0))
	v, ok := st.ReadField("Movie", 0, 1)
	require.True(t, ok)
	require.Equal(t, "Arrival", v.S)
}

// S2: the second cycle re-populates only id=2, so id=1's ordinal is
// ghosted out of the new read state while id=2's ordinal stays stable.
func TestRunCycleDropsNonReAddedRecord(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	r1 := o.RunCycle(context.Background(), func(ctx context.Context, w *writestate.Engine) error {
		if _, err := w.Add("Movie", writestate.Record{Values: []writestate.Value{
			{Kind: schema.Int, I: 1}, {Kind: schema.String, S: "Arrival"},
		}}); err != nil {
			return err
		}
		_, err := w.Add("Movie", writestate.Record{Values: []writestate.Value{
			{Kind: schema.Int, I: 2}, {Kind: schema.String, S: "Tenet"},
		}})
		return err
	})
	require.True(t, r1.Success)

	r2 := o.RunCycle(context.Background(), addMovie(2, "Tenet"))
	require.True(t, r2.Success)

	st := o.CurrentState()
	require.False(t, st.Populated("Movie").Contains(0))
	require.True(t, st.Populated("Movie").Contains(1))
	v, ok := st.ReadField("Movie", 1, 1)
	require.True(t, ok)
	require.Equal(t, "Tenet", v.S)
}

// An explicit RemoveByKey during re-population ghosts exactly the
// named record.
func TestRunCycleExplicitRemoveByKey(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	r1 := o.RunCycle(context.Background(), func(ctx context.Context, w *writestate.Engine) error {
		if _, err := w.Add("Movie", writestate.Record{Values: []writestate.Value{
			{Kind: schema.Int, I: 1}, {Kind: schema.String, S: "Arrival"},
		}}); err != nil {
			return err
		}
		_, err := w.Add("Movie", writestate.Record{Values: []writestate.Value{
			{Kind: schema.Int, I: 2}, {Kind: schema.String, S: "Tenet"},
		}})
		return err
	})
	require.True(t, r1.Success)

	r2 := o.RunCycle(context.Background(), func(ctx context.Context, w *writestate.Engine) error {
		if _, err := w.Add("Movie", writestate.Record{Values: []writestate.Value{
			{Kind: schema.Int, I: 1}, {Kind: schema.String, S: "Arrival"},
		}}); err != nil {
			return err
		}
		if _, err := w.Add("Movie", writestate.Record{Values: []writestate.Value{
			{Kind: schema.Int, I: 2}, {Kind: schema.String, S: "Tenet"},
		}}); err != nil {
			return err
		}
		return w.RemoveByKey("Movie", writestate.Value{Kind: schema.Int, I: 2})
	})
	require.True(t, r2.Success)

	st := o.CurrentState()
	require.True(t, st.Populated("Movie").Contains(0))
	require.False(t, st.Populated("Movie").Contains(1))
}

// S3: a cycle whose populate makes no changes fires NoDeltaAvailable
// and the orchestrator's current version/state is left untouched.
func TestRunCycleNoChangesIsNoDelta(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	first := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.True(t, first.Success)
	versionAfterFirst := o.CurrentVersion()

	noop := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.True(t, noop.Success)
	require.Equal(t, versionAfterFirst, noop.Version)
	require.Equal(t, versionAfterFirst, o.CurrentVersion())
	require.Len(t, ann.announced, 1, "no-delta cycle must not publish or announce")
}

// failingValidator always reports FAILED.
type failingValidator struct{}

func (failingValidator) Name() string { return "failing" }
func (failingValidator) Validate(listener.ValidationContext) listener.ValidationResult {
	return listener.Fail("failing", "always fails")
}

// S4: a validator reporting FAILED must abort the cycle before
// announce; the prior read state/version must be unchanged.
func TestRunCycleValidatorFailureBlocksAnnounce(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)
	o.RegisterValidator(failingValidator{})

	result := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.False(t, result.Success)
	require.False(t, result.Validation.Passed)
	require.Empty(t, ann.announced)
	require.Nil(t, o.CurrentState())
}

// panickyValidator panics instead of returning a result.
type panickyValidator struct{}

func (panickyValidator) Name() string { return "panicky" }
func (panickyValidator) Validate(listener.ValidationContext) listener.ValidationResult {
	panic("boom")
}

// okValidator always passes, used alongside panickyValidator to prove
// isolation (S5).
type okValidator struct{ ran *bool }

func (v okValidator) Name() string { return "ok" }
func (v okValidator) Validate(listener.ValidationContext) listener.ValidationResult {
	*v.ran = true
	return listener.Pass("ok")
}

// S5: a panicking validator must be isolated — recorded as an ERROR
// result (folding into validation failure) without preventing other
// validators from running or crashing the cycle.
func TestRunCycleValidatorPanicIsolated(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	ran := false
	o.RegisterValidator(panickyValidator{})
	o.RegisterValidator(okValidator{ran: &ran})

	var result Result
	require.NotPanics(t, func() {
		result = o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	})
	require.True(t, ran, "a later validator must still run after an earlier one panics")
	require.False(t, result.Success)
	require.False(t, result.Validation.Passed)

	var sawError bool
	for _, r := range result.Validation.Results {
		if r.Name == "panicky" && r.Kind == listener.ErrorKind {
			sawError = true
		}
	}
	require.True(t, sawError)
}

func TestRunCycleSkipsWhenNotPrimary(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, func() bool { return false }, nil)

	result := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.True(t, result.Skipped)
	require.Equal(t, "NOT_PRIMARY_PRODUCER", result.SkipReason)
	require.Empty(t, ann.announced)
}

func TestRunCyclePopulateFailureAbortsCycle(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	result := o.RunCycle(context.Background(), func(context.Context, *writestate.Engine) error {
		return errPopulateForTest
	})
	require.False(t, result.Success)
	require.Empty(t, ann.announced)
	require.Nil(t, o.CurrentState())
}

// ParallelPopulate buffers each source's records off the driver
// goroutine and applies them in source order, so ordinals are
// deterministic across runs.
func TestRunCycleParallelPopulate(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	source := func(id int64, title string) PopulateSource {
		return func(context.Context) ([]Staged, error) {
			return []Staged{{TypeName: "Movie", Record: writestate.Record{Values: []writestate.Value{
				{Kind: schema.Int, I: id},
				{Kind: schema.String, S: title},
			}}}}, nil
		}
	}

	result := o.RunCycle(context.Background(), ParallelPopulate(4,
		source(1, "Arrival"),
		source(2, "Tenet"),
	))
	require.True(t, result.Success)

	st := o.CurrentState()
	v, ok := st.ReadField("Movie", 0, 1)
	require.True(t, ok)
	require.Equal(t, "Arrival", v.S, "first source's record takes the first ordinal")
	v, ok = st.ReadField("Movie", 1, 1)
	require.True(t, ok)
	require.Equal(t, "Tenet", v.S)
}

func TestParallelPopulateSourceErrorFailsCycle(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	result := o.RunCycle(context.Background(), ParallelPopulate(2,
		func(context.Context) ([]Staged, error) { return nil, errPopulateForTest },
	))
	require.False(t, result.Success)
	require.Empty(t, ann.announced)
}

// A populate that stages records and then fails must be rolled back so
// the next cycle's delta is computed against the promoted read state,
// not the aborted population.
func TestRunCycleRetryAfterFailedPopulate(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &fakeAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	failed := o.RunCycle(context.Background(), func(ctx context.Context, w *writestate.Engine) error {
		if _, err := w.Add("Movie", writestate.Record{Values: []writestate.Value{
			{Kind: schema.Int, I: 1}, {Kind: schema.String, S: "Arrival"},
		}}); err != nil {
			return err
		}
		return errPopulateForTest
	})
	require.False(t, failed.Success)

	retry := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.True(t, retry.Success)
	st := o.CurrentState()
	require.NotNil(t, st)
	require.True(t, st.Populated("Movie").Contains(0))
	v, ok := st.ReadField("Movie", 0, 1)
	require.True(t, ok)
	require.Equal(t, "Arrival", v.S)
}

type failOnceAnnouncer struct {
	fakeAnnouncer
	calls int
}

func (a *failOnceAnnouncer) Announce(ctx context.Context, version int64) error {
	a.calls++
	if a.calls == 1 {
		return errAnnounceRejected
	}
	return a.fakeAnnouncer.Announce(ctx, version)
}

// An announce failure must leave the prior (nil) read state current,
// and an identical re-population on the next cycle must still publish
// and promote — the failed cycle's write state may not linger as a
// phantom "no changes" baseline.
func TestRunCycleRetryAfterFailedAnnounce(t *testing.T) {
	schemas := movieSchemas(t)
	pub := &fakePublisher{}
	ann := &failOnceAnnouncer{}
	o := New(schemas, pub, ann, nil, nil, nil)

	failed := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.False(t, failed.Success)
	require.Nil(t, o.CurrentState())

	retry := o.RunCycle(context.Background(), addMovie(1, "Arrival"))
	require.True(t, retry.Success)
	require.Len(t, ann.announced, 1)
	st := o.CurrentState()
	require.NotNil(t, st)
	require.True(t, st.Populated("Movie").Contains(0))
}
