package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRegisterFireUnregister(t *testing.T) {
	EventInitialize()
	t.Cleanup(func() { _ = EventShutdown() })

	type listener struct{ hits int }
	l := &listener{}

	callback := func(code SystemEventCode, sender interface{}, listenerInst interface{}, data EventContext) bool {
		listenerInst.(*listener).hits++
		return data.Data.U32[0] == 42
	}
	require.True(t, EventRegister(EVENT_CODE_PIPELINE_RELOADED, l, callback))
	// Duplicate listener is rejected.
	assert.False(t, EventRegister(EVENT_CODE_PIPELINE_RELOADED, l, callback))

	ctx := EventContext{}
	ctx.Data.U32[0] = 7
	assert.False(t, EventFire(EVENT_CODE_PIPELINE_RELOADED, nil, ctx))
	assert.Equal(t, 1, l.hits)

	ctx.Data.U32[0] = 42
	assert.True(t, EventFire(EVENT_CODE_PIPELINE_RELOADED, nil, ctx))
	assert.Equal(t, 2, l.hits)

	require.True(t, EventUnregister(EVENT_CODE_PIPELINE_RELOADED, l, callback))
	assert.False(t, EventFire(EVENT_CODE_PIPELINE_RELOADED, nil, ctx))
	assert.Equal(t, 2, l.hits)
}

func TestEventHandledStopsPropagation(t *testing.T) {
	EventInitialize()
	t.Cleanup(func() { _ = EventShutdown() })

	first := new(int)
	second := new(int)
	handleIt := func(code SystemEventCode, sender interface{}, listenerInst interface{}, data EventContext) bool {
		counter := listenerInst.(*int)
		*counter++
		return true
	}
	observe := func(code SystemEventCode, sender interface{}, listenerInst interface{}, data EventContext) bool {
		counter := listenerInst.(*int)
		*counter++
		return false
	}

	require.True(t, EventRegister(EVENT_CODE_TOPLEVEL_PUBLISHED, first, handleIt))
	require.True(t, EventRegister(EVENT_CODE_TOPLEVEL_PUBLISHED, second, observe))

	assert.True(t, EventFire(EVENT_CODE_TOPLEVEL_PUBLISHED, nil, EventContext{}))
	assert.Equal(t, 1, *first)
	assert.Equal(t, 0, *second)
}
