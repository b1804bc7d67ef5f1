// Package engine is the top-level facade a host program embeds: it
// wires schema, writestate, readstate, delta, blob (via cycle),
// listener, and query into a single Dataset type, configured from
// internal/config.
package engine

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sediment/sediment/cycle"
	"github.com/sediment/sediment/internal/config"
	"github.com/sediment/sediment/internal/obslog"
	"github.com/sediment/sediment/listener"
	"github.com/sediment/sediment/query"
	"github.com/sediment/sediment/readstate"
	"github.com/sediment/sediment/schema"
)

// Dataset is one named, versioned in-memory dataset: a producer-cycle
// orchestrator plus a query pool sized from config, over one schema
// set.
type Dataset struct {
	schemas      schema.Set
	orchestrator *cycle.Orchestrator
	queryPool    *query.Pool
	cfg          config.Config
}

// Options gathers Dataset's construction dependencies. Publisher and
// Announcer may be nil for a dataset that never publishes externally
// (e.g. an in-process-only cache); IsPrimary may be nil (always
// primary); Minter may be nil (cycle.WallClockMinter{}); Fabric may be
// nil (a fresh, listener-less fabric is created).
type Options struct {
	Schemas   schema.Set
	Publisher cycle.Publisher
	Announcer cycle.Announcer
	Minter    cycle.VersionMinter
	IsPrimary func() bool
	Fabric    *listener.Fabric
	Config    config.Config
}

// New builds a Dataset ready to run cycles and queries.
func New(opts Options) (*Dataset, error) {
	if err := obslog.Init(opts.Config.LogLevel); err != nil {
		return nil, err
	}
	fabric := opts.Fabric
	if fabric == nil {
		fabric = &listener.Fabric{}
	}
	fabric.DataModelInit(opts.Schemas.Names())

	orch := cycle.New(opts.Schemas, opts.Publisher, opts.Announcer, opts.Minter, opts.IsPrimary, fabric)
	return &Dataset{
		schemas:      opts.Schemas,
		orchestrator: orch,
		queryPool:    query.NewPool(max(1, opts.Config.QueryWorkers)),
		cfg:          opts.Config,
	}, nil
}

// RegisterValidator adds a validator consulted by every future cycle.
func (d *Dataset) RegisterValidator(v listener.Validator) {
	d.orchestrator.RegisterValidator(v)
}

// RunCycle drives one producer cycle; see cycle.Orchestrator.RunCycle.
func (d *Dataset) RunCycle(ctx context.Context, populate cycle.PopulateTask) cycle.Result {
	return d.orchestrator.RunCycle(ctx, populate)
}

// RunCycleParallel drives one producer cycle whose population fans out
// across the configured populate worker count; see
// cycle.ParallelPopulate.
func (d *Dataset) RunCycleParallel(ctx context.Context, sources ...cycle.PopulateSource) cycle.Result {
	return d.orchestrator.RunCycle(ctx, cycle.ParallelPopulate(d.cfg.PopulateWorkers, sources...))
}

// Restore bootstraps the dataset from a previously published snapshot
// before the first RunCycle of a resumed process.
func (d *Dataset) Restore(ctx context.Context, retriever cycle.BlobRetriever, version int64) error {
	return d.orchestrator.Restore(ctx, retriever, version)
}

// CurrentState returns the read state promoted by the last
// successfully announced cycle, or nil before any cycle completes.
func (d *Dataset) CurrentState() *readstate.State {
	return d.orchestrator.CurrentState()
}

// CurrentVersion returns the last successfully announced version.
func (d *Dataset) CurrentVersion() int64 {
	return d.orchestrator.CurrentVersion()
}

// Find runs a sequential schema-aware equality lookup over the
// dataset's current read state. See query.FindMatchingRecords.
func (d *Dataset) Find(fieldName, fieldValueText string) (map[string]*roaring.Bitmap, error) {
	return query.FindMatchingRecords(d.CurrentState(), fieldName, fieldValueText)
}

// FindInType runs the parallel, single-type variant of Find using the
// dataset's configured query pool. See query.FindMatchingRecordsParallel.
func (d *Dataset) FindInType(ctx context.Context, typeName, fieldName, fieldValueText string) (*roaring.Bitmap, error) {
	return query.FindMatchingRecordsParallel(ctx, d.CurrentState(), typeName, fieldName, fieldValueText, d.queryPool)
}

// Schemas returns the dataset's schema set.
func (d *Dataset) Schemas() schema.Set { return d.schemas }
