package systems

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

type stubPass struct {
	name string
	deps []string

	setupErr  error
	updateErr error
	invalid   bool

	log *[]string

	setupCalls    int
	teardownCalls int
	resets        []uint32
}

func (p *stubPass) Name() string           { return p.name }
func (p *stubPass) Dependencies() []string { return p.deps }

func (p *stubPass) Setup(graph *RenderGraph) error {
	p.setupCalls++
	return p.setupErr
}

func (p *stubPass) Update(fc *metadata.FrameContext) error {
	if p.updateErr != nil {
		return p.updateErr
	}
	*p.log = append(*p.log, p.name+".update")
	return nil
}

func (p *stubPass) Execute(fc *metadata.FrameContext) error {
	*p.log = append(*p.log, p.name+".execute")
	return nil
}

func (p *stubPass) Teardown() error {
	p.teardownCalls++
	*p.log = append(*p.log, p.name+".teardown")
	return nil
}

func (p *stubPass) CheckValidity(fc *metadata.FrameContext) bool {
	return !p.invalid
}

type resettableStubPass struct {
	stubPass
}

func (p *resettableStubPass) Reset(width, height uint32) error {
	p.resets = append(p.resets, width)
	return nil
}

func newStubGraph(log *[]string, passes ...*stubPass) (*RenderGraph, error) {
	graph := NewRenderGraph(nil, nil, nil)
	for _, p := range passes {
		p.log = log
		if err := graph.AddPass(p); err != nil {
			return nil, err
		}
	}
	return graph, nil
}

func TestGraphCompilesInDependencyOrder(t *testing.T) {
	var log []string
	graph, err := newStubGraph(&log,
		&stubPass{name: "ray_query", deps: []string{"forward"}},
		&stubPass{name: "forward", deps: []string{"shadow"}},
		&stubPass{name: "shadow"},
	)
	require.NoError(t, err)
	require.NoError(t, graph.Compile())

	require.NoError(t, graph.Execute(&metadata.FrameContext{}))
	assert.Equal(t, []string{
		"shadow.update", "shadow.execute",
		"forward.update", "forward.execute",
		"ray_query.update", "ray_query.execute",
	}, log)
}

func TestGraphOrderIsStableAmongIndependentPasses(t *testing.T) {
	var log []string
	graph, err := newStubGraph(&log,
		&stubPass{name: "zebra"},
		&stubPass{name: "alpha"},
		&stubPass{name: "mid", deps: []string{"alpha"}},
	)
	require.NoError(t, err)
	require.NoError(t, graph.Compile())
	require.NoError(t, graph.Execute(&metadata.FrameContext{}))

	// Independent passes run alphabetically, every time.
	assert.Equal(t, []string{
		"alpha.update", "alpha.execute",
		"mid.update", "mid.execute",
		"zebra.update", "zebra.execute",
	}, log)
}

func TestGraphRejectsMissingDependencyAndCycles(t *testing.T) {
	var log []string
	graph, err := newStubGraph(&log, &stubPass{name: "forward", deps: []string{"shadow"}})
	require.NoError(t, err)
	assert.ErrorIs(t, graph.Compile(), core.ErrMissingDependency)

	graph, err = newStubGraph(&log,
		&stubPass{name: "a", deps: []string{"b"}},
		&stubPass{name: "b", deps: []string{"a"}},
		&stubPass{name: "standalone"},
	)
	require.NoError(t, err)
	assert.ErrorIs(t, graph.Compile(), core.ErrCycleDetected)
}

func TestGraphRejectsDuplicateAndLateRegistration(t *testing.T) {
	var log []string
	graph, err := newStubGraph(&log, &stubPass{name: "shadow"})
	require.NoError(t, err)

	dup := &stubPass{name: "shadow", log: &log}
	assert.Error(t, graph.AddPass(dup))

	require.NoError(t, graph.Compile())
	late := &stubPass{name: "late", log: &log}
	assert.ErrorIs(t, graph.AddPass(late), core.ErrGraphCompiled)
}

func TestGraphExecuteRequiresCompile(t *testing.T) {
	var log []string
	graph, err := newStubGraph(&log, &stubPass{name: "shadow"})
	require.NoError(t, err)
	assert.ErrorIs(t, graph.Execute(&metadata.FrameContext{}), core.ErrNotBaked)
}

func TestGraphSetupFailureDisablesOnlyThatPass(t *testing.T) {
	var log []string
	graph, err := newStubGraph(&log,
		&stubPass{name: "shadow", setupErr: fmt.Errorf("no shader")},
		&stubPass{name: "overlay"},
	)
	require.NoError(t, err)
	require.NoError(t, graph.Compile())

	require.NoError(t, graph.Execute(&metadata.FrameContext{}))
	assert.Equal(t, []string{"overlay.update", "overlay.execute"}, log)
}

func TestGraphUpdateErrorSkipsExecuteButIsolatesPass(t *testing.T) {
	var log []string
	broken := &stubPass{name: "forward", updateErr: fmt.Errorf("buffer upload failed")}
	graph, err := newStubGraph(&log, broken, &stubPass{name: "shadow"})
	require.NoError(t, err)
	require.NoError(t, graph.Compile())

	require.NoError(t, graph.Execute(&metadata.FrameContext{}))
	assert.Equal(t, []string{"shadow.update", "shadow.execute"}, log)

	// A sequencing violation is not recoverable and must surface.
	broken.updateErr = fmt.Errorf("bind: %w", core.ErrAlreadyBaked)
	assert.ErrorIs(t, graph.Execute(&metadata.FrameContext{}), core.ErrAlreadyBaked)
}

func TestGraphInvalidPassSitsFrameOut(t *testing.T) {
	var log []string
	gated := &stubPass{name: "ray_query", invalid: true}
	graph, err := newStubGraph(&log, gated)
	require.NoError(t, err)
	require.NoError(t, graph.Compile())

	require.NoError(t, graph.Execute(&metadata.FrameContext{}))
	assert.Equal(t, []string{"ray_query.update"}, log)

	// The transition completed; the pass executes again.
	gated.invalid = false
	log = log[:0]
	require.NoError(t, graph.Execute(&metadata.FrameContext{}))
	assert.Equal(t, []string{"ray_query.update", "ray_query.execute"}, log)
}

func TestGraphEnableDisable(t *testing.T) {
	var log []string
	graph, err := newStubGraph(&log, &stubPass{name: "debug_overlay"})
	require.NoError(t, err)
	require.NoError(t, graph.Compile())

	require.NoError(t, graph.DisablePass("debug_overlay"))
	assert.False(t, graph.PassEnabled("debug_overlay"))
	require.NoError(t, graph.Execute(&metadata.FrameContext{}))
	assert.Empty(t, log)

	require.NoError(t, graph.EnablePass("debug_overlay"))
	require.NoError(t, graph.Execute(&metadata.FrameContext{}))
	assert.Len(t, log, 2)

	assert.Error(t, graph.DisablePass("nope"))
}

func TestGraphResetReachesResettablePassesOnly(t *testing.T) {
	var log []string
	sized := &resettableStubPass{stubPass{name: "forward", log: &log}}
	plain := &stubPass{name: "shadow", log: &log}

	graph := NewRenderGraph(nil, nil, nil)
	require.NoError(t, graph.AddPass(plain))
	require.NoError(t, graph.AddPass(sized))
	require.NoError(t, graph.Compile())

	require.NoError(t, graph.Reset(1920, 1080))
	assert.Equal(t, []uint32{1920}, sized.resets)
}

func TestGraphShutdownTearsDownInReverseOrder(t *testing.T) {
	var log []string
	graph, err := newStubGraph(&log,
		&stubPass{name: "shadow"},
		&stubPass{name: "forward", deps: []string{"shadow"}},
	)
	require.NoError(t, err)
	require.NoError(t, graph.Compile())

	require.NoError(t, graph.Shutdown())
	assert.Equal(t, []string{"forward.teardown", "shadow.teardown"}, log)

	// The graph is reusable after shutdown.
	fresh := &stubPass{name: "shadow", log: &log}
	assert.NoError(t, graph.AddPass(fresh))
}
