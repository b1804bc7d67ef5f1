// Package cycle is the producer's stage state machine: populate,
// publish, integrity-check, validate, announce, each a straight-line
// function call rather than an implicit chain, with events fired at
// every stage boundary through a listener.Fabric.
package cycle

import (
	"bytes"
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sediment/sediment/blob"
	"github.com/sediment/sediment/delta"
	"github.com/sediment/sediment/internal/errs"
	"github.com/sediment/sediment/internal/mathutil"
	"github.com/sediment/sediment/internal/obslog"
	"github.com/sediment/sediment/listener"
	"github.com/sediment/sediment/readstate"
	"github.com/sediment/sediment/schema"
	"github.com/sediment/sediment/writestate"
)

// Handle is an opaque publisher-assigned reference to a staged blob.
type Handle any

// Publisher stages a blob so it can later be made externally visible.
// Stage is idempotent and may be retried by the caller.
type Publisher interface {
	Stage(ctx context.Context, data []byte) (Handle, error)
	Publish(ctx context.Context, h Handle) error
}

// Announcer makes a version visible to consumers. Announce must be
// atomic: after it returns successfully, every consumer polling the
// announcement endpoint sees the new version.
type Announcer interface {
	Announce(ctx context.Context, version int64) error
}

// BlobRetriever fetches previously published blobs for restore.
type BlobRetriever interface {
	RetrieveSnapshot(ctx context.Context, version int64) ([]byte, error)
	RetrieveDelta(ctx context.Context, fromVersion int64) ([]byte, error)
	RetrieveReverseDelta(ctx context.Context, fromVersion int64) ([]byte, error)
}

// VersionMinter produces the next version given the previous one.
type VersionMinter interface {
	Mint(prev int64) int64
}

// WallClockMinter is the default minter: strictly increasing
// millisecond wall-clock time, clamped above prev so two cycles
// within the same clock tick still advance.
type WallClockMinter struct{}

func (WallClockMinter) Mint(prev int64) int64 {
	v := time.Now().UnixMilli()
	if v <= prev {
		sum, overflow := mathutil.SafeAdd(uint64(prev), 1)
		if overflow || sum > math.MaxInt64 {
			return prev
		}
		v = int64(sum)
	}
	return v
}

// PopulateTask is the user-supplied function invoked with a write
// context pointing at the cycle's write state engine.
type PopulateTask func(ctx context.Context, w *writestate.Engine) error

// Staged is one record produced by a PopulateSource before the driver
// applies it to the write state.
type Staged struct {
	TypeName string
	Record   writestate.Record
}

// PopulateSource produces one partition's records. Sources run
// concurrently and must not touch the write state themselves.
type PopulateSource func(ctx context.Context) ([]Staged, error)

// ParallelPopulate builds a PopulateTask that fans sources out across
// at most workers goroutines, joins them, then applies the merged
// buffers to the write state on the driver goroutine in source order.
// The engine's Add calls stay single-threaded while record production
// fans out, which is the per-partition-buffer shape the write state's
// concurrency contract asks population tasks to own.
func ParallelPopulate(workers int, sources ...PopulateSource) PopulateTask {
	if workers < 1 {
		workers = 1
	}
	return func(ctx context.Context, w *writestate.Engine) error {
		buffers := make([][]Staged, len(sources))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, src := range sources {
			g.Go(func() error {
				recs, err := src(gctx)
				buffers[i] = recs
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, buf := range buffers {
			for _, s := range buf {
				if _, err := w.Add(s.TypeName, s.Record); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// Context is the ValidationContext the orchestrator hands each
// registered Validator. listener.ValidationContext only exposes
// Version so package listener need not import readstate; a Validator
// that needs read access to the new state asserts its argument to
// Context (which satisfies listener.ValidationContext).
type Context struct {
	version int64
	state   *readstate.State
}

func (c Context) Version() int64          { return c.version }
func (c Context) State() *readstate.State { return c.state }

// Result is RunCycle's outcome.
type Result struct {
	Version    int64
	Success    bool
	Skipped    bool
	SkipReason string
	Cause      error
	Validation listener.ValidationStatus
}

// Orchestrator drives one dataset's producer cycle. It is not safe
// for concurrent RunCycle calls; the single-cycle-in-flight invariant
// is enforced by running.
type Orchestrator struct {
	schemas   schema.Set
	publisher Publisher
	announcer Announcer
	minter    VersionMinter
	isPrimary func() bool

	fabric *listener.Fabric

	mu         sync.Mutex
	validators []listener.Validator

	write   *writestate.Engine
	prev    *readstate.State
	version int64

	running atomic.Bool
}

// New builds an Orchestrator for schemas. fabric and isPrimary may be
// nil (fabric: no listeners; isPrimary: always primary). minter
// defaults to WallClockMinter{} when nil.
func New(schemas schema.Set, publisher Publisher, announcer Announcer, minter VersionMinter, isPrimary func() bool, fabric *listener.Fabric) *Orchestrator {
	if minter == nil {
		minter = WallClockMinter{}
	}
	if fabric == nil {
		fabric = &listener.Fabric{}
	}
	return &Orchestrator{
		schemas:   schemas,
		publisher: publisher,
		announcer: announcer,
		minter:    minter,
		isPrimary: isPrimary,
		fabric:    fabric,
		write:     writestate.NewEngine(schemas),
	}
}

// RegisterValidator adds a validator consulted during every future
// validate stage.
func (o *Orchestrator) RegisterValidator(v listener.Validator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.validators = append(o.validators, v)
}

// CurrentVersion returns the version of the last successfully
// announced cycle, or 0 before any cycle has completed.
func (o *Orchestrator) CurrentVersion() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.version
}

// CurrentState returns the read state promoted by the last
// successfully announced cycle, or nil before any cycle completes.
func (o *Orchestrator) CurrentState() *readstate.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prev
}

// RunCycle drives one full cycle: populate, publish, integrity-check,
// validate, announce, in that order, short-circuiting on the first
// stage failure. Only one RunCycle may be in flight at a time;
// a second call while one is running returns ErrCycleAlreadyRunning
// without touching any state.
func (o *Orchestrator) RunCycle(ctx context.Context, task PopulateTask) Result {
	if !o.running.CompareAndSwap(false, true) {
		return Result{Cause: errs.Wrap(errs.ErrCycleAlreadyRunning, "a cycle is already running")}
	}
	defer o.running.Store(false)

	if o.isPrimary != nil && !o.isPrimary() {
		o.fabric.CycleSkip("NOT_PRIMARY_PRODUCER")
		return Result{Skipped: true, SkipReason: "NOT_PRIMARY_PRODUCER"}
	}

	o.mu.Lock()
	w := o.write
	prev := o.prev
	prevVersion := o.version
	validators := append([]listener.Validator(nil), o.validators...)
	o.mu.Unlock()

	if w.Sealed() {
		w.ResetForNextCycle()
	}

	version := o.minter.Mint(prevVersion)
	if prev == nil {
		o.fabric.NewDeltaChain(version)
	}

	cycleBuilder := listener.NewStatusBuilder()
	o.fabric.CycleStart(version)
	obslog.L().Infow("cycle start", "version", version)

	newState, validation, cause := o.runStages(ctx, w, prev, version, prevVersion, task, validators)

	success := cause == nil
	if !success {
		// Undo this cycle's population so the next attempt stages
		// against the still-promoted read state, whatever stage failed.
		w.Rollback()
	}
	o.fabric.CycleComplete(cycleBuilder.Complete(cause))
	obslog.L().Infow("cycle complete", "version", version, "success", success)

	result := Result{Version: version, Success: success, Cause: cause, Validation: validation}
	if success && newState != nil {
		o.mu.Lock()
		o.prev = newState
		o.version = version
		o.mu.Unlock()
	} else if success {
		// no-delta path: nothing to promote, report the still-current version
		result.Version = prevVersion
	}
	return result
}

func (o *Orchestrator) runStages(ctx context.Context, w *writestate.Engine, prev *readstate.State, version, prevVersion int64, task PopulateTask, validators []listener.Validator) (*readstate.State, listener.ValidationStatus, error) {
	if err := o.stagePopulate(ctx, w, version, task); err != nil {
		return nil, listener.ValidationStatus{}, errs.From(errs.ErrPopulateFailure, err)
	}

	if !w.HasChanges() {
		o.fabric.NoDeltaAvailable(prevVersion)
		return nil, listener.ValidationStatus{}, nil
	}

	snapshot, forward, reverse, err := delta.Compute(prev, w, o.schemas)
	if err != nil {
		return nil, listener.ValidationStatus{}, errs.From(errs.ErrPublishFailure, err)
	}

	snapBytes, fwdBytes, revBytes, err := o.stagePublish(ctx, snapshot, forward, reverse, version)
	if err != nil {
		return nil, listener.ValidationStatus{}, errs.From(errs.ErrPublishFailure, err)
	}

	newState, err := o.stageIntegrity(prev, snapBytes, fwdBytes, revBytes, version)
	if err != nil {
		return nil, listener.ValidationStatus{}, errs.From(errs.ErrIntegrityFailure, err)
	}

	status, err := o.stageValidate(version, newState, validators)
	if err != nil {
		return nil, status, errs.From(errs.ErrValidationFailure, err)
	}

	if err := o.stageAnnounce(ctx, version); err != nil {
		return nil, status, errs.From(errs.ErrAnnounceFailure, err)
	}

	return newState, status, nil
}

func (o *Orchestrator) stagePopulate(ctx context.Context, w *writestate.Engine, version int64, task PopulateTask) (err error) {
	builder := listener.NewStatusBuilder()
	o.fabric.PopulateStart(version)
	obslog.L().Infow("populate stage", "version", version)
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Wrapf(errs.ErrPopulateFailure, "populate panicked: %v", rec)
		}
		o.fabric.PopulateComplete(builder.Complete(err))
	}()

	if err = task(ctx, w); err != nil {
		return err
	}
	return w.PopulateComplete()
}

func (o *Orchestrator) stagePublish(ctx context.Context, snapshot, forward, reverse *readstate.Payload, version int64) (snapBytes, fwdBytes, revBytes []byte, err error) {
	builder := listener.NewStatusBuilder()
	o.fabric.PublishStart(version)
	obslog.L().Infow("publish stage", "version", version)
	defer func() { o.fabric.PublishComplete(builder.Complete(err)) }()

	snapBytes, err = o.encodeAndStage(ctx, snapshot, "snapshot", version)
	if err != nil {
		return nil, nil, nil, err
	}
	fwdBytes, err = o.encodeAndStage(ctx, forward, "forward", version)
	if err != nil {
		return nil, nil, nil, err
	}
	revBytes, err = o.encodeAndStage(ctx, reverse, "reverse", version)
	if err != nil {
		return nil, nil, nil, err
	}
	return snapBytes, fwdBytes, revBytes, nil
}

func (o *Orchestrator) encodeAndStage(ctx context.Context, payload *readstate.Payload, kind string, version int64) ([]byte, error) {
	var buf bytes.Buffer
	if err := blob.Write(&buf, o.schemas, payload); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	if o.publisher != nil {
		h, err := o.publisher.Stage(ctx, data)
		if err != nil {
			return nil, err
		}
		if err := o.publisher.Publish(ctx, h); err != nil {
			return nil, err
		}
	}
	o.fabric.ArtifactPublish(version, kind)
	return data, nil
}

// stageIntegrity decodes the just-published snapshot and forward
// delta back into read states and checks they agree field-by-field,
// then checks the reverse delta applied to the forward result
// reproduces prev. The forward-built state (equivalently the
// snapshot-built one, since they must agree) is returned for
// validate/announce to use.
func (o *Orchestrator) stageIntegrity(prev *readstate.State, snapBytes, fwdBytes, revBytes []byte, version int64) (*readstate.State, error) {
	builder := listener.NewStatusBuilder()
	var outErr error
	defer func() { o.fabric.IntegrityCheckComplete(builder.Complete(outErr)) }()
	o.fabric.IntegrityCheckStart(version)
	obslog.L().Infow("integrity check stage", "version", version)

	snapSchemas, snapPayload, err := blob.Read(bytes.NewReader(snapBytes))
	if err != nil {
		outErr = err
		return nil, err
	}
	fromSnapshot, err := readstate.Build(nil, snapPayload, snapSchemas)
	if err != nil {
		outErr = err
		return nil, err
	}

	_, fwdPayload, err := blob.Read(bytes.NewReader(fwdBytes))
	if err != nil {
		outErr = err
		return nil, err
	}
	fromForward, err := readstate.Build(prev, fwdPayload, o.schemas)
	if err != nil {
		outErr = err
		return nil, err
	}

	if !readstate.Equal(fromSnapshot, fromForward, o.schemas) {
		outErr = errs.Wrap(errs.ErrIntegrityFailure, "snapshot and forward-delta builds disagree")
		return nil, outErr
	}

	if prev != nil {
		_, revPayload, err := blob.Read(bytes.NewReader(revBytes))
		if err != nil {
			outErr = err
			return nil, err
		}
		fromReverse, err := readstate.Build(fromForward, revPayload, o.schemas)
		if err != nil {
			outErr = err
			return nil, err
		}
		if !readstate.Equal(fromReverse, prev, o.schemas) {
			outErr = errs.Wrap(errs.ErrIntegrityFailure, "reverse delta does not reproduce the prior read state")
			return nil, outErr
		}
	}

	return fromForward, nil
}

func (o *Orchestrator) stageValidate(version int64, newState *readstate.State, validators []listener.Validator) (listener.ValidationStatus, error) {
	obslog.L().Infow("validate stage", "version", version, "validators", len(validators))
	results := make([]listener.ValidationResult, 0, len(validators))
	ctx := Context{version: version, state: newState}
	for _, v := range validators {
		result := o.runValidator(v, ctx)
		o.fabric.ValidatorComplete(version, result)
		results = append(results, result)
	}
	status := listener.Aggregate(results)
	o.fabric.ValidationStatusComplete(version, status)
	if !status.Passed {
		return status, errs.Wrap(errs.ErrValidationFailure, "one or more validators did not pass")
	}
	return status, nil
}

func (o *Orchestrator) runValidator(v listener.Validator, ctx Context) (result listener.ValidationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = listener.ValidationResult{Name: v.Name(), Kind: listener.ErrorKind, Message: errs.Wrapf(errs.ErrValidatorError, "validator panicked: %v", rec).Error()}
		}
	}()
	return v.Validate(ctx)
}

func (o *Orchestrator) stageAnnounce(ctx context.Context, version int64) (err error) {
	builder := listener.NewStatusBuilder()
	o.fabric.AnnouncementStart(version)
	obslog.L().Infow("announce stage", "version", version)
	defer func() { o.fabric.AnnouncementComplete(builder.Complete(err)) }()

	if o.announcer == nil {
		return nil
	}
	err = o.announcer.Announce(ctx, version)
	return err
}

// Restore bootstraps prev/version from a previously published
// snapshot blob, without running populate/publish/announce. Intended
// to be called once before the first RunCycle of a process that is
// resuming a delta chain rather than starting a new one.
func (o *Orchestrator) Restore(ctx context.Context, retriever BlobRetriever, version int64) (err error) {
	builder := listener.NewStatusBuilder()
	o.fabric.RestoreStart(version)
	defer func() { o.fabric.RestoreComplete(builder.Complete(err)) }()

	data, err := retriever.RetrieveSnapshot(ctx, version)
	if err != nil {
		return err
	}
	schemas, payload, err := blob.Read(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if schemas.Len() != o.schemas.Len() {
		return errs.Wrap(errs.ErrSchemaMismatch, "restored snapshot schema set does not match configured schemas")
	}
	state, err := readstate.Build(nil, payload, o.schemas)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.prev = state
	o.version = version
	o.mu.Unlock()
	return nil
}
