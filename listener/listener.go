// Package listener is the cycle orchestrator's event fabric: a
// copy-on-write registrant set dispatched by role, with panic/error
// isolation so one misbehaving listener never stops another or the
// cycle itself.
package listener

import (
	"sync/atomic"
	"time"

	"github.com/sediment/sediment/internal/obslog"
)

// Registrant is the empty capability interface every listener
// implements at least one role of; Fabric type-asserts to the role
// interfaces below per dispatch.
type Registrant interface{}

// DataModelInitListener fires once per schema set a dataset is
// initialised or re-initialised with.
type DataModelInitListener interface {
	OnDataModelInit(schemaNames []string)
}

// RestoreListener brackets a cycle.Orchestrator.Restore call.
type RestoreListener interface {
	OnRestoreStart(desiredVersion int64)
	OnRestoreComplete(status Status)
}

// CycleListener brackets a whole RunCycle call.
type CycleListener interface {
	OnCycleStart(version int64)
	OnCycleSkip(reason string)
	OnCycleComplete(status Status)
}

// DeltaChainListener is notified when the producer starts a brand-new
// delta chain: no prior read state existed at cycle entry, so the
// version about to be cycled has no forward/reverse ancestry. Fired
// before the corresponding OnCycleStart.
type DeltaChainListener interface {
	OnNewDeltaChain(version int64)
}

// PopulateListener brackets the populate stage.
type PopulateListener interface {
	OnPopulateStart(version int64)
	OnPopulateComplete(status Status)
	OnNoDeltaAvailable(version int64)
}

// PublishListener brackets the publish stage.
type PublishListener interface {
	OnPublishStart(version int64)
	OnPublishComplete(status Status)
	OnArtifactPublish(version int64, kind string)
}

// IntegrityCheckListener brackets the integrity-check stage.
type IntegrityCheckListener interface {
	OnIntegrityCheckStart(version int64)
	OnIntegrityCheckComplete(status Status)
}

// AnnouncementListener brackets the announce stage.
type AnnouncementListener interface {
	OnAnnouncementStart(version int64)
	OnAnnouncementComplete(status Status)
}

// ValidatorListener is notified after each individual validator runs.
type ValidatorListener interface {
	OnValidatorComplete(version int64, result ValidationResult)
}

// ValidationStatusListener is notified once with the aggregate result
// of every validator run this cycle.
type ValidationStatusListener interface {
	OnValidationStatusComplete(version int64, status ValidationStatus)
}

// ResultKind discriminates a validator's outcome, per spec.md §8
// invariant 7 and the FAILED-vs-ERROR Open Question resolved in
// DESIGN.md: a validator that returns Fail(...) is tagged Failed; one
// whose Validate panics is tagged ErrorKind by the cycle orchestrator
// that runs it, never by the validator.
type ResultKind int

const (
	Passed ResultKind = iota
	Failed
	ErrorKind
)

// ValidationResult is one validator's outcome.
type ValidationResult struct {
	Name    string
	Kind    ResultKind
	Message string
}

// Pass builds a passing result.
func Pass(name string) ValidationResult { return ValidationResult{Name: name, Kind: Passed} }

// Fail builds a deliberately-failed result.
func Fail(name, reason string) ValidationResult {
	return ValidationResult{Name: name, Kind: Failed, Message: reason}
}

// ValidationStatus aggregates every validator's result for one cycle.
// Passed holds iff every result's Kind is Passed (spec.md §8
// invariant 7).
type ValidationStatus struct {
	Passed  bool
	Results []ValidationResult
}

// Aggregate folds results into a ValidationStatus.
func Aggregate(results []ValidationResult) ValidationStatus {
	passed := true
	for _, r := range results {
		if r.Kind != Passed {
			passed = false
			break
		}
	}
	return ValidationStatus{Passed: passed, Results: results}
}

// Validator is implemented by anything cycle.Orchestrator runs during
// the validate stage.
type Validator interface {
	Name() string
	Validate(r ValidationContext) ValidationResult
}

// ValidationContext is a placeholder seam a concrete Validator closes
// over its own read-state reference through; kept minimal here since
// the read-state type lives in package readstate, which this package
// does not import (listener imports only internal/obslog; cycle,
// store and engine import it).
type ValidationContext interface {
	Version() int64
}

// Status is the elapsed-time result wrapper every *Complete event
// carries, built by a StatusBuilder from the matching *Start call.
type Status struct {
	Success       bool
	Err           error
	ElapsedMillis int64
}

// StatusBuilder captures a stage's start time and produces its Status
// at completion.
type StatusBuilder struct {
	startNanos int64
}

// NewStatusBuilder starts timing a stage.
func NewStatusBuilder() StatusBuilder {
	return StatusBuilder{startNanos: time.Now().UnixNano()}
}

// Complete finalises the status, given the stage's outcome.
func (b StatusBuilder) Complete(err error) Status {
	elapsed := (time.Now().UnixNano() - b.startNanos) / int64(time.Millisecond)
	return Status{Success: err == nil, Err: err, ElapsedMillis: elapsed}
}

// Fabric is the copy-on-write registrant set. The zero value is ready
// to use.
type Fabric struct {
	registrants atomic.Pointer[[]Registrant]
}

// Register adds a registrant, copying the underlying slice so any
// dispatch already iterating the old slice is unaffected.
func (f *Fabric) Register(r Registrant) {
	for {
		old := f.registrants.Load()
		var cur []Registrant
		if old != nil {
			cur = *old
		}
		next := make([]Registrant, len(cur)+1)
		copy(next, cur)
		next[len(cur)] = r
		if f.registrants.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Unregister removes a registrant by identity (address comparison as
// an interface holding the same concrete pointer).
func (f *Fabric) Unregister(r Registrant) {
	for {
		old := f.registrants.Load()
		if old == nil {
			return
		}
		cur := *old
		next := make([]Registrant, 0, len(cur))
		for _, x := range cur {
			if x != r {
				next = append(next, x)
			}
		}
		if f.registrants.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (f *Fabric) snapshot() []Registrant {
	p := f.registrants.Load()
	if p == nil {
		return nil
	}
	return *p
}

// dispatch calls fn for every registrant that satisfies T, isolating
// panics and recording them via obslog rather than propagating them —
// spec.md §8 invariant 6: one bad listener never blocks another or
// the cycle.
func dispatch[T any](f *Fabric, fn func(T)) {
	for _, r := range f.snapshot() {
		t, ok := r.(T)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					obslog.L().Warnw("listener panicked", "panic", rec)
				}
			}()
			fn(t)
		}()
	}
}

func (f *Fabric) DataModelInit(names []string) {
	dispatch(f, func(l DataModelInitListener) { l.OnDataModelInit(names) })
}

func (f *Fabric) RestoreStart(version int64) {
	dispatch(f, func(l RestoreListener) { l.OnRestoreStart(version) })
}

func (f *Fabric) RestoreComplete(status Status) {
	dispatch(f, func(l RestoreListener) { l.OnRestoreComplete(status) })
}

func (f *Fabric) NewDeltaChain(version int64) {
	dispatch(f, func(l DeltaChainListener) { l.OnNewDeltaChain(version) })
}

func (f *Fabric) CycleStart(version int64) {
	dispatch(f, func(l CycleListener) { l.OnCycleStart(version) })
}

func (f *Fabric) CycleSkip(reason string) {
	dispatch(f, func(l CycleListener) { l.OnCycleSkip(reason) })
}

func (f *Fabric) CycleComplete(status Status) {
	dispatch(f, func(l CycleListener) { l.OnCycleComplete(status) })
}

func (f *Fabric) PopulateStart(version int64) {
	dispatch(f, func(l PopulateListener) { l.OnPopulateStart(version) })
}

func (f *Fabric) PopulateComplete(status Status) {
	dispatch(f, func(l PopulateListener) { l.OnPopulateComplete(status) })
}

func (f *Fabric) NoDeltaAvailable(version int64) {
	dispatch(f, func(l PopulateListener) { l.OnNoDeltaAvailable(version) })
}

func (f *Fabric) PublishStart(version int64) {
	dispatch(f, func(l PublishListener) { l.OnPublishStart(version) })
}

func (f *Fabric) PublishComplete(status Status) {
	dispatch(f, func(l PublishListener) { l.OnPublishComplete(status) })
}

func (f *Fabric) ArtifactPublish(version int64, kind string) {
	dispatch(f, func(l PublishListener) { l.OnArtifactPublish(version, kind) })
}

func (f *Fabric) IntegrityCheckStart(version int64) {
	dispatch(f, func(l IntegrityCheckListener) { l.OnIntegrityCheckStart(version) })
}

func (f *Fabric) IntegrityCheckComplete(status Status) {
	dispatch(f, func(l IntegrityCheckListener) { l.OnIntegrityCheckComplete(status) })
}

func (f *Fabric) AnnouncementStart(version int64) {
	dispatch(f, func(l AnnouncementListener) { l.OnAnnouncementStart(version) })
}

func (f *Fabric) AnnouncementComplete(status Status) {
	dispatch(f, func(l AnnouncementListener) { l.OnAnnouncementComplete(status) })
}

func (f *Fabric) ValidatorComplete(version int64, result ValidationResult) {
	dispatch(f, func(l ValidatorListener) { l.OnValidatorComplete(version, result) })
}

func (f *Fabric) ValidationStatusComplete(version int64, status ValidationStatus) {
	dispatch(f, func(l ValidationStatusListener) { l.OnValidationStatusComplete(version, status) })
}
