package core

import (
	"errors"
)

// Sequencing violations always propagate to the caller. Everything else is
// recoverable: the offending pass is skipped for the frame and the graph
// keeps going.
var (
	// Binding or baking after the pipeline's binding state has been sealed.
	ErrAlreadyBaked = errors.New("binding state already baked")
	// Per-frame update requested before the binding state has been sealed.
	ErrNotBaked = errors.New("binding state not baked")
	// Bake requested for a pipeline that never had reflection registered.
	ErrNoShaderRegistered = errors.New("no shader registered")
	// Lookup with a stale or unknown pipeline id.
	ErrPipelineNotFound = errors.New("pipeline not found")
	// A declared pass dependency was never registered with the graph.
	ErrMissingDependency = errors.New("missing pass dependency")
	// No valid pass order exists.
	ErrCycleDetected = errors.New("cycle detected in pass dependencies")
	// Pass registered after the graph has been compiled.
	ErrGraphCompiled = errors.New("graph already compiled")
	// The backend cannot perform the requested operation.
	ErrUnsupported = errors.New("operation not supported by backend")
)
