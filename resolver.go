package main

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a Resolver.
type State int

const (
	StateIdle State = iota
	StateIngesting
	StateGlobalResolution
	StateSerialized
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIngesting:
		return "ingesting"
	case StateGlobalResolution:
		return "global-resolution"
	case StateSerialized:
		return "serialized"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Pass names a phase of per-file work, reported to the Observer.
type Pass int

const (
	PassSymbols Pass = iota
	PassLink
	PassPurge
)

func (p Pass) String() string {
	switch p {
	case PassSymbols:
		return "symbols"
	case PassLink:
		return "link"
	case PassPurge:
		return "purge"
	default:
		return fmt.Sprintf("pass(%d)", int(p))
	}
}

// DefaultDumpFrequency is the number of files ingested between purges in
// bounded-memory mode.
const DefaultDumpFrequency = 100

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Workers is the number of goroutines extracting object files.
	Workers int
	// DumpFrequency is the purge interval in files; only used when the
	// graph is in bounded-memory mode.
	DumpFrequency int
	// Lookahead bounds how many extracted files may wait to be applied.
	Lookahead int
}

// ResolverOption modifies ResolverOptions.
type ResolverOption func(*ResolverOptions)

// WithWorkers sets the extraction worker count. Values below 1 mean 1.
func WithWorkers(n int) ResolverOption {
	return func(o *ResolverOptions) {
		o.Workers = max(n, 1)
	}
}

// WithDumpFrequency sets the purge interval.
func WithDumpFrequency(n int) ResolverOption {
	return func(o *ResolverOptions) {
		if n > 0 {
			o.DumpFrequency = n
		}
	}
}

// WithLookahead sets the number of extracted files that may be buffered
// ahead of the one being applied.
func WithLookahead(n int) ResolverOption {
	return func(o *ResolverOptions) {
		o.Lookahead = max(n, 1)
	}
}

// Report summarises a run.
type Report struct {
	Files        int
	Processed    int
	SkippedFiles int
	Skipped      error // one error per skipped file, combined with multierr

	Symbols        int
	SymbolErrors   int
	LinkedAtIngest int
	Deferred       int
	Resolved       int
	Dropped        int
	Purges         int

	Anomalies []Anomaly
}

// Resolver drives ingestion of object files into a FactGraph and hands the
// result to a FactSink. A Resolver runs once.
type Resolver struct {
	graph   *FactGraph
	sink    FactSink
	obs     Observer
	log     *zap.Logger
	opts    ResolverOptions
	pending *PendingRefs
	state   State
	report  Report
}

// NewResolver creates a resolver writing into g and sink. The graph must
// already contain a File node for every path that will be ingested.
func NewResolver(g *FactGraph, sink FactSink, obs Observer, log *zap.Logger, opts ...ResolverOption) *Resolver {
	o := ResolverOptions{
		Workers:       runtime.NumCPU(),
		DumpFrequency: DefaultDumpFrequency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Lookahead == 0 {
		o.Lookahead = 2 * o.Workers
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		graph:   g,
		sink:    sink,
		obs:     obs,
		log:     log,
		opts:    o,
		pending: NewPendingRefs(),
	}
}

// State returns the current lifecycle state.
func (r *Resolver) State() State { return r.state }

// Pending returns the table of references deferred during ingestion.
func (r *Resolver) Pending() *PendingRefs { return r.pending }

// Run ingests files in order, resolves deferred references and writes the
// graph to the sink. The sink is closed on success and aborted on failure.
func (r *Resolver) Run(ctx context.Context, files []string) (*Report, error) {
	if r.state != StateIdle {
		return nil, fmt.Errorf("resolver already %s", r.state)
	}
	r.report.Files = len(files)
	if len(files) == 0 {
		return &r.report, r.abort(ErrNoInputFiles)
	}

	r.state = StateIngesting
	if err := r.ingest(ctx, files); err != nil {
		return &r.report, r.abort(err)
	}

	r.state = StateGlobalResolution
	r.resolvePending()

	if err := r.flush(); err != nil {
		return &r.report, r.abort(err)
	}
	r.state = StateSerialized

	if err := r.sink.Close(); err != nil {
		return &r.report, r.abort(err)
	}
	r.state = StateDone
	r.report.Purges = r.graph.Purges()
	r.report.Anomalies = r.graph.Anomalies()
	return &r.report, nil
}

func (r *Resolver) abort(err error) error {
	r.state = StateAborted
	r.report.Purges = r.graph.Purges()
	r.report.Anomalies = r.graph.Anomalies()
	if r.sink != nil {
		if aerr := r.sink.Abort(); aerr != nil {
			r.log.Warn("discarding partial output failed", zap.Error(aerr))
		}
	}
	return err
}

// ingest extracts files on worker goroutines and applies them to the graph
// in input order on the calling goroutine.
func (r *Resolver) ingest(ctx context.Context, files []string) error {
	n := len(files)
	slots := make([]chan *fileFacts, n)
	for i := range slots {
		slots[i] = make(chan *fileFacts, 1)
	}
	window := make(chan struct{}, r.opts.Lookahead)

	ctx, cancel := context.WithCancel(ctx)
	launched := make(chan struct{})
	defer func() {
		cancel()
		<-launched
	}()

	go func() {
		defer close(launched)
		var g errgroup.Group
		g.SetLimit(r.opts.Workers)
		defer func() { _ = g.Wait() }()
		for i, path := range files {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			// Both cases may have been ready; never start work once cancelled.
			if ctx.Err() != nil {
				return
			}
			g.Go(func() error {
				slots[i] <- extractFile(path)
				return nil
			})
		}
	}()

	for i, path := range files {
		var ff *fileFacts
		select {
		case <-ctx.Done():
			return cancelled(ctx, i, n)
		case ff = <-slots[i]:
		}
		if ctx.Err() != nil {
			return cancelled(ctx, i, n)
		}
		<-window

		r.obs.FileStarted(i+1, n, path)
		if err := r.apply(ff); err != nil {
			return err
		}

		if r.graph.BoundedMemory() && (i+1)%r.opts.DumpFrequency == 0 && i+1 < n {
			r.obs.PassStarted(path, PassPurge)
			if err := r.graph.Purge(r.sink); err != nil {
				return fmt.Errorf("purge after %d files: %w", i+1, err)
			}
		}
	}
	return nil
}

func cancelled(ctx context.Context, done, total int) error {
	return fmt.Errorf("%w after %d of %d files: %w", ErrCancelled, done, total, context.Cause(ctx))
}

// apply adds one file's symbols and references to the graph: every symbol
// first, then the link pass, so references between symbols of the same
// file always resolve immediately.
func (r *Resolver) apply(ff *fileFacts) error {
	if ff.Err != nil {
		r.report.SkippedFiles++
		r.report.Skipped = multierr.Append(r.report.Skipped, ff.Err)
		r.obs.FileInvalid(ff.Path, ff.Err)
		return nil
	}
	r.report.Processed++
	r.obs.FileFormat(ff.Path, ff.Class, ff.Data)

	for _, err := range ff.Skipped {
		r.report.SymbolErrors++
		r.log.Debug("symbol skipped", zap.String("file", ff.Path), zap.Error(err))
	}
	if len(ff.Symbols) == 0 {
		return nil
	}
	if !r.graph.HasNode(ff.Path) {
		return fmt.Errorf("%w: no file node for %s", ErrMissingContainer, ff.Path)
	}

	r.obs.PassStarted(ff.Path, PassSymbols)
	for _, s := range ff.Symbols {
		if r.graph.AddNode(s.ID, s.Kind, s.Display, s.Name) {
			r.report.Symbols++
		}
		if r.graph.ContainsEdgeExists(ff.Path, s.ID) {
			continue
		}
		if !r.graph.AddEdge(ff.Path, s.ID, EdgeContains) {
			return fmt.Errorf("%w: %s for symbol %s", ErrMissingContainer, ff.Path, s.Name)
		}
	}

	r.obs.PassStarted(ff.Path, PassLink)
	for _, s := range ff.Symbols {
		if s.Name == "" {
			continue
		}
		for _, target := range s.Refs {
			if r.graph.LinkEdgeExistsByAlias(s.Name, target) {
				continue
			}
			if r.graph.AddEdgeByAlias(s.Name, target, EdgeLink) {
				r.report.LinkedAtIngest++
				continue
			}
			if r.pending.Add(s.Name, target) {
				r.report.Deferred++
			}
		}
	}
	return nil
}

// resolvePending replays every deferred reference once. References whose
// target never appeared anywhere are dropped.
func (r *Resolver) resolvePending() {
	r.obs.ResolvingStarted(r.pending.Len())
	for src, dst := range r.pending.Drain() {
		if r.graph.AddEdgeByAlias(src, dst, EdgeLink) {
			r.report.Resolved++
			continue
		}
		r.report.Dropped++
		r.log.Debug("reference dropped", zap.String("source", src), zap.String("target", dst))
	}
	r.obs.ResolvingFinished(r.report.Resolved, r.report.Dropped)
}

// flush hands the remaining resident facts to the sink.
func (r *Resolver) flush() error {
	if r.graph.BoundedMemory() {
		return r.graph.Purge(r.sink)
	}
	return r.sink.Append(r.graph)
}
