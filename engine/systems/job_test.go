package systems

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

func TestJobSystemRejectsBadConfig(t *testing.T) {
	_, err := NewJobSystem(0, 8)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(2, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestJobSystemRunsCallbacksInOrder(t *testing.T) {
	js, err := NewJobSystem(2, 8)
	require.NoError(t, err)

	var completed atomic.Int32
	var finalized atomic.Int32
	for i := 0; i < 8; i++ {
		task := metadata.NewJobTask(i, func(params interface{}) (interface{}, error) {
			return params.(int) * 2, nil
		})
		task.OnComplete = func(result interface{}) {
			completed.Add(1)
		}
		task.OnCompletionCallback = func() {
			finalized.Add(1)
		}
		js.Submit(task)
	}

	require.NoError(t, js.Shutdown())
	assert.Equal(t, int32(8), completed.Load())
	assert.Equal(t, int32(8), finalized.Load())
}

func TestJobSystemRoutesFailures(t *testing.T) {
	js, err := NewJobSystem(1, 4)
	require.NoError(t, err)

	var failed atomic.Bool
	var finalized atomic.Bool
	task := metadata.NewJobTask(nil, func(params interface{}) (interface{}, error) {
		return nil, fmt.Errorf("build error")
	})
	task.OnFailure = func(err error) {
		failed.Store(true)
	}
	task.OnCompletionCallback = func() {
		finalized.Store(true)
	}
	js.Submit(task)

	require.Eventually(t, func() bool {
		return failed.Load() && finalized.Load()
	}, time.Second, time.Millisecond)
	require.NoError(t, js.Shutdown())
}
