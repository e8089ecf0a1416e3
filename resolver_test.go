package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"
)

// recordingObserver keeps the events the resolver reports.
type recordingObserver struct {
	nopObserver
	mu       sync.Mutex
	started  []string
	invalid  []string
	passes   []Pass
	pending  int
	resolved int
	dropped  int
}

func (o *recordingObserver) FileStarted(_, _ int, path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, path)
}

func (o *recordingObserver) FileInvalid(path string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invalid = append(o.invalid, path)
}

func (o *recordingObserver) PassStarted(_ string, p Pass) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes = append(o.passes, p)
}

func (o *recordingObserver) ResolvingStarted(pending int) { o.pending = pending }

func (o *recordingObserver) ResolvingFinished(resolved, dropped int) {
	o.resolved, o.dropped = resolved, dropped
}

// graphWithFiles returns a graph holding a File node for every path.
func graphWithFiles(paths []string, opts ...GraphOption) *FactGraph {
	g := NewFactGraph(opts...)
	for _, p := range paths {
		g.AddNode(p, NodeFile, "", "")
	}
	return g
}

// twoFileProject writes a.o, whose main calls helper and reads table from
// b.o and also calls a function nobody defines.
func twoFileProject(t *testing.T) (a, b string) {
	t.Helper()
	dir := canonicalTempDir(t)
	a = writeObject(t, dir, "a.o", objectSpec{
		Symbols: []fixtureSym{funcSym("main", 0, 0x20), undefSym("helper"), undefSym("table"), undefSym("missing")},
		Relocs:  []fixtureReloc{textReloc(0x4, "helper"), textReloc(0x8, "table"), textReloc(0xc, "missing")},
	})
	b = writeObject(t, dir, "b.o", objectSpec{
		Symbols: []fixtureSym{funcSym("helper", 0, 0x10), dataSym("table", 0x0, 0x40)},
		Relocs:  []fixtureReloc{textReloc(0x2, "table")},
	})
	return a, b
}

func TestResolver_CrossFileResolution(t *testing.T) {
	defer goleak.VerifyNone(t)
	a, b := twoFileProject(t)
	g := graphWithFiles([]string{a, b})
	sink := &captureSink{}
	obs := &recordingObserver{}

	r := NewResolver(g, sink, obs, nil, WithWorkers(2))
	rep, err := r.Run(context.Background(), []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, StateDone, r.State())
	assert.True(t, sink.closed)
	assert.False(t, sink.aborted)
	assert.Equal(t, 1, sink.appends)

	assert.Equal(t, 2, rep.Files)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 3, rep.Symbols)
	assert.Equal(t, 1, rep.LinkedAtIngest, "helper -> table is local to b.o")
	assert.Equal(t, 3, rep.Deferred)
	assert.Equal(t, 2, rep.Resolved)
	assert.Equal(t, 1, rep.Dropped)
	assert.Empty(t, rep.Anomalies)

	mainID := a + "[.text+0x0]"
	helperID := b + "[.text+0x0]"
	tableID := b + "[.data+0x0]"
	assert.True(t, g.HasEdge(mainID, helperID, EdgeLink))
	assert.True(t, g.HasEdge(mainID, tableID, EdgeLink))
	assert.True(t, g.HasEdge(helperID, tableID, EdgeLink))
	assert.True(t, g.ContainsEdgeExists(a, mainID))
	assert.True(t, g.ContainsEdgeExists(b, tableID))
	assert.Equal(t, 0, r.Pending().Len())

	assert.Equal(t, []string{a, b}, obs.started)
	assert.Equal(t, []Pass{PassSymbols, PassLink, PassSymbols, PassLink}, obs.passes)
	assert.Equal(t, 3, obs.pending)
	assert.Equal(t, 2, obs.resolved)
	assert.Equal(t, 1, obs.dropped)

	n, ok := g.Node(tableID)
	require.True(t, ok)
	assert.Equal(t, NodeObject, n.Kind)
}

func TestResolver_UnreadableFileIsSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)
	a, b := twoFileProject(t)
	bad := filepath.Join(filepath.Dir(a), "bad.o")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))
	files := []string{a, bad, b}
	obs := &recordingObserver{}

	r := NewResolver(graphWithFiles(files), &captureSink{}, obs, nil)
	rep, err := r.Run(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Files)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.SkippedFiles)
	require.Len(t, multierr.Errors(rep.Skipped), 1)
	assert.ErrorIs(t, rep.Skipped, ErrUnreadableObject)
	assert.Equal(t, []string{bad}, obs.invalid)
}

func TestResolver_MissingContainerAborts(t *testing.T) {
	defer goleak.VerifyNone(t)
	a, b := twoFileProject(t)
	g := graphWithFiles([]string{a}) // no node for b.o
	sink := &captureSink{}

	r := NewResolver(g, sink, nil, nil, WithWorkers(1))
	_, err := r.Run(context.Background(), []string{a, b})
	require.ErrorIs(t, err, ErrMissingContainer)
	assert.Equal(t, StateAborted, r.State())
	assert.True(t, sink.aborted)
	assert.False(t, sink.closed)
	assert.False(t, g.HasNode(b+"[.text+0x0]"), "nothing from b.o reaches the graph")
}

func TestResolver_NoInputFiles(t *testing.T) {
	sink := &captureSink{}
	r := NewResolver(NewFactGraph(), sink, nil, nil)
	rep, err := r.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoInputFiles)
	require.NotNil(t, rep)
	assert.Equal(t, StateAborted, r.State())
	assert.True(t, sink.aborted)
}

func TestResolver_RunsOnce(t *testing.T) {
	a, b := twoFileProject(t)
	r := NewResolver(graphWithFiles([]string{a, b}), &captureSink{}, nil, nil)
	_, err := r.Run(context.Background(), []string{a, b})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), []string{a, b})
	require.Error(t, err)
}

func TestResolver_CancelledBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	a, b := twoFileProject(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &captureSink{}

	r := NewResolver(graphWithFiles([]string{a, b}), sink, nil, nil, WithWorkers(2))
	_, err := r.Run(ctx, []string{a, b})
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, r.State())
	assert.True(t, sink.aborted)
}

// cancelObserver cancels the run once the given file has started.
type cancelObserver struct {
	nopObserver
	after  int
	cancel context.CancelFunc
}

func (o *cancelObserver) FileStarted(i, _ int, _ string) {
	if i == o.after {
		o.cancel()
	}
}

func TestResolver_CancelledMidRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	files := chainProject(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &captureSink{}

	r := NewResolver(graphWithFiles(files), sink, &cancelObserver{after: 2, cancel: cancel}, nil,
		WithWorkers(2), WithLookahead(4))
	rep, err := r.Run(ctx, files)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, StateAborted, r.State())
	assert.True(t, sink.aborted)
}

func TestResolver_SinkFailureAborts(t *testing.T) {
	defer goleak.VerifyNone(t)
	a, b := twoFileProject(t)
	sink := &captureSink{failAfter: 1}
	r := NewResolver(graphWithFiles([]string{a, b}), sink, nil, nil)
	_, err := r.Run(context.Background(), []string{a, b})
	require.ErrorIs(t, err, ErrOutputUnwritable)
	assert.Equal(t, StateAborted, r.State())
	assert.True(t, sink.aborted)
}

func TestResolver_CloseFailureAborts(t *testing.T) {
	defer goleak.VerifyNone(t)
	a, b := twoFileProject(t)
	sink := &captureSink{closeErr: fmt.Errorf("%w: close failed", ErrOutputUnwritable)}
	r := NewResolver(graphWithFiles([]string{a, b}), sink, nil, nil)
	_, err := r.Run(context.Background(), []string{a, b})
	require.ErrorIs(t, err, ErrOutputUnwritable)
	assert.Equal(t, StateAborted, r.State())
	assert.True(t, sink.closed)
	assert.True(t, sink.aborted)
}

func TestResolver_AmbiguousDefinitionFirstWins(t *testing.T) {
	dir := canonicalTempDir(t)
	first := writeObject(t, dir, "1.o", objectSpec{Symbols: []fixtureSym{funcSym("dup", 0, 4)}})
	second := writeObject(t, dir, "2.o", objectSpec{Symbols: []fixtureSym{funcSym("dup", 0, 4)}})
	user := writeObject(t, dir, "3.o", objectSpec{
		Symbols: []fixtureSym{funcSym("user", 0, 8), undefSym("dup")},
		Relocs:  []fixtureReloc{textReloc(2, "dup")},
	})
	files := []string{first, second, user}
	g := graphWithFiles(files)

	rep, err := NewResolver(g, &captureSink{}, nil, nil).Run(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LinkedAtIngest)
	assert.True(t, g.HasEdge(user+"[.text+0x0]", first+"[.text+0x0]", EdgeLink))
	assert.False(t, g.HasEdge(user+"[.text+0x0]", second+"[.text+0x0]", EdgeLink))
	require.Len(t, rep.Anomalies, 1)
	assert.Equal(t, AnomalyAmbiguousAlias, rep.Anomalies[0].Kind)
}

// chainProject writes n files where f<i> calls f<i+1> and f<i-1>, so every
// file has one reference resolved at ingest and one deferred.
func chainProject(t *testing.T, n int) []string {
	t.Helper()
	dir := canonicalTempDir(t)
	var files []string
	for i := range n {
		syms := []fixtureSym{funcSym(fmt.Sprintf("f%d", i), 0, 0x20), dataSym(fmt.Sprintf("d%d", i), 0, 8)}
		var relocs []fixtureReloc
		if i+1 < n {
			syms = append(syms, undefSym(fmt.Sprintf("f%d", i+1)))
			relocs = append(relocs, textReloc(0x4, fmt.Sprintf("f%d", i+1)))
		}
		if i > 0 {
			syms = append(syms, undefSym(fmt.Sprintf("f%d", i-1)))
			relocs = append(relocs, textReloc(0x8, fmt.Sprintf("f%d", i-1)))
		}
		relocs = append(relocs, textReloc(0xc, fmt.Sprintf("d%d", i)))
		files = append(files, writeObject(t, dir, fmt.Sprintf("sub%d/m%02d.o", i%3, i), objectSpec{Symbols: syms, Relocs: relocs}))
	}
	return files
}

func runToTA(t *testing.T, files []string, path string, gopts []GraphOption, ropts ...ResolverOption) *Report {
	t.Helper()
	w, err := NewTAWriter(path)
	require.NoError(t, err)
	rep, err := NewResolver(graphWithFiles(files, gopts...), w, nil, nil, ropts...).Run(context.Background(), files)
	require.NoError(t, err)
	return rep
}

func TestResolver_OutputIndependentOfWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	files := chainProject(t, 12)
	out := t.TempDir()

	var want []byte
	for _, workers := range []int{1, 3, 8} {
		path := filepath.Join(out, fmt.Sprintf("w%d.ta", workers))
		rep := runToTA(t, files, path, nil, WithWorkers(workers), WithLookahead(workers))
		assert.Equal(t, 23, rep.LinkedAtIngest, "workers=%d", workers)
		assert.Equal(t, 11, rep.Resolved, "workers=%d", workers)
		assert.Equal(t, 0, rep.Dropped, "workers=%d", workers)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, string(want), string(got), "workers=%d", workers)
	}
}

func TestResolver_BoundedMemoryMatchesSinglePass(t *testing.T) {
	defer goleak.VerifyNone(t)
	files := chainProject(t, 10)
	out := t.TempDir()

	single := filepath.Join(out, "single.ta")
	runToTA(t, files, single, nil, WithWorkers(4))

	bounded := filepath.Join(out, "bounded.ta")
	rep := runToTA(t, files, bounded, []GraphOption{WithBoundedMemory()}, WithWorkers(4), WithDumpFrequency(3))
	assert.Equal(t, 4, rep.Purges, "three periodic purges plus the final flush")

	want, err := os.ReadFile(single)
	require.NoError(t, err)
	got, err := os.ReadFile(bounded)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	leftovers, err := filepath.Glob(filepath.Join(out, ".elfgraph-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestResolverOptions(t *testing.T) {
	var o ResolverOptions
	WithWorkers(0)(&o)
	WithDumpFrequency(-1)(&o)
	WithLookahead(-5)(&o)
	assert.Equal(t, ResolverOptions{Workers: 1, Lookahead: 1}, o)

	r := NewResolver(NewFactGraph(), &captureSink{}, nil, nil, WithWorkers(3))
	assert.Equal(t, 6, r.opts.Lookahead)
	assert.Equal(t, DefaultDumpFrequency, r.opts.DumpFrequency)
	assert.Equal(t, StateIdle, r.State())
}

func TestStateAndPassStrings(t *testing.T) {
	assert.Equal(t, "global-resolution", StateGlobalResolution.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.Equal(t, "link", PassLink.String())
	assert.Equal(t, "pass(9)", Pass(9).String())
}
