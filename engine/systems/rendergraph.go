package systems

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/**
 * @brief A single stage of the frame. Passes declare the passes they depend
 * on by name; the graph linearizes them once at compile time.
 *
 * Lifecycle: Setup is called once during graph compilation, Update and
 * Execute every frame in dependency order, Teardown at shutdown in reverse
 * order. CheckValidity is consulted right before Execute so a pass whose
 * resources are mid-transition can sit a frame out without being torn down.
 */
type RenderPass interface {
	Name() string
	Dependencies() []string

	Setup(graph *RenderGraph) error
	Update(fc *metadata.FrameContext) error
	Execute(fc *metadata.FrameContext) error
	Teardown() error

	CheckValidity(fc *metadata.FrameContext) bool
}

// ResettablePass is implemented by passes holding swapchain-sized state.
type ResettablePass interface {
	RenderPass
	Reset(width, height uint32) error
}

type passNode struct {
	pass    RenderPass
	enabled bool
	setupOK bool
}

/**
 * @brief Owns the frame's pass schedule. Passes are registered, compiled
 * into a stable topological order, then executed every frame. The graph also
 * hands registered passes access to the pipeline, binder and
 * acceleration-structure systems so they do not reach for globals.
 */
type RenderGraph struct {
	nodes map[string]*passNode
	order []string
	baked bool

	pipelineSystem *PipelineSystem
	binder         *ResourceBinder
	accel          *AccelerationStructureManager
}

func NewRenderGraph(ps *PipelineSystem, rb *ResourceBinder, am *AccelerationStructureManager) *RenderGraph {
	return &RenderGraph{
		nodes:          make(map[string]*passNode),
		pipelineSystem: ps,
		binder:         rb,
		accel:          am,
	}
}

func (g *RenderGraph) Pipelines() *PipelineSystem { return g.pipelineSystem }
func (g *RenderGraph) Binder() *ResourceBinder { return g.binder }
func (g *RenderGraph) AccelerationStructures() *AccelerationStructureManager { return g.accel }

/**
 * @brief Registers a pass. Fails with core.ErrGraphCompiled once the graph
 * has been compiled; the pass set is fixed for the graph's lifetime.
 */
func (g *RenderGraph) AddPass(pass RenderPass) error {
	if g.baked {
		return fmt.Errorf("AddPass '%s': %w", pass.Name(), core.ErrGraphCompiled)
	}
	name := pass.Name()
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("AddPass: a pass named '%s' is already registered", name)
	}
	g.nodes[name] = &passNode{pass: pass, enabled: true}
	return nil
}

/**
 * @brief Validates dependencies, linearizes the passes and runs each pass's
 * Setup once. A pass whose Setup fails is marked invalid and skipped at
 * execution but does not abort compilation; the rest of the frame keeps
 * working.
 */
func (g *RenderGraph) Compile() error {
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	g.order = order
	g.baked = true

	for _, name := range g.order {
		node := g.nodes[name]
		if err := node.pass.Setup(g); err != nil {
			core.LogError("pass '%s' setup failed, pass disabled: %s", name, err.Error())
			continue
		}
		node.setupOK = true
	}
	return nil
}

// Recompile re-linearizes the registered passes and retries Setup for any
// pass whose previous Setup failed.
func (g *RenderGraph) Recompile() error {
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	g.order = order
	g.baked = true
	for _, name := range g.order {
		node := g.nodes[name]
		if node.setupOK {
			continue
		}
		if err := node.pass.Setup(g); err != nil {
			core.LogError("pass '%s' setup failed, pass disabled: %s", name, err.Error())
			continue
		}
		node.setupOK = true
	}
	return nil
}

// topologicalOrder is a stable Kahn sort: among ready passes the
// alphabetically first runs first, so the schedule does not shuffle between
// runs with identical inputs.
func (g *RenderGraph) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))

	for name, node := range g.nodes {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range node.pass.Dependencies() {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("pass '%s' depends on unregistered pass '%s': %w", name, dep, core.ErrMissingDependency)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(g.nodes))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		changed := false
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		stuck := make([]string, 0)
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("passes %v form a dependency cycle: %w", stuck, core.ErrCycleDetected)
	}
	return order, nil
}

/**
 * @brief Runs one frame: every enabled pass's Update then, if the pass
 * reports itself valid for this frame, its Execute, in compiled order.
 *
 * A failing pass is isolated: its error is logged and the remaining passes
 * still run. The exception is a sequencing bug (binding after bake), which
 * propagates because continuing would hide a programming error.
 */
func (g *RenderGraph) Execute(fc *metadata.FrameContext) error {
	if !g.baked {
		return core.ErrNotBaked
	}
	// Fold in hot-reloads completed on workers since the last frame before
	// any pass reads binder state.
	if g.pipelineSystem != nil {
		g.pipelineSystem.ApplyReloads()
	}
	for _, name := range g.order {
		node := g.nodes[name]
		if !node.enabled || !node.setupOK {
			continue
		}
		if err := node.pass.Update(fc); err != nil {
			if errors.Is(err, core.ErrAlreadyBaked) {
				return fmt.Errorf("pass '%s' update: %w", name, err)
			}
			core.LogError("pass '%s' update failed, skipping execute: %s", name, err.Error())
			continue
		}
		if !node.pass.CheckValidity(fc) {
			continue
		}
		if err := node.pass.Execute(fc); err != nil {
			core.LogError("pass '%s' execute failed: %s", name, err.Error())
		}
	}
	return nil
}

func (g *RenderGraph) EnablePass(name string) error {
	node, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("EnablePass: no pass named '%s'", name)
	}
	node.enabled = true
	return nil
}

func (g *RenderGraph) DisablePass(name string) error {
	node, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("DisablePass: no pass named '%s'", name)
	}
	node.enabled = false
	return nil
}

func (g *RenderGraph) PassEnabled(name string) bool {
	node, ok := g.nodes[name]
	return ok && node.enabled
}

// Reset propagates a surface resize to the passes that care about it.
func (g *RenderGraph) Reset(width, height uint32) error {
	var firstErr error
	for _, name := range g.order {
		node := g.nodes[name]
		rp, ok := node.pass.(ResettablePass)
		if !ok || !node.setupOK {
			continue
		}
		if err := rp.Reset(width, height); err != nil {
			core.LogError("pass '%s' reset failed: %s", name, err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Shutdown tears passes down in reverse execution order so consumers go
// before producers.
func (g *RenderGraph) Shutdown() error {
	var firstErr error
	for i := len(g.order) - 1; i >= 0; i-- {
		node := g.nodes[g.order[i]]
		if !node.setupOK {
			continue
		}
		if err := node.pass.Teardown(); err != nil {
			core.LogError("pass '%s' teardown failed: %s", g.order[i], err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
		node.setupOK = false
	}
	g.nodes = make(map[string]*passNode)
	g.order = nil
	g.baked = false
	return firstErr
}
