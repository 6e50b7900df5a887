package trunk_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/trunk"
)

type echoHandler struct {
	calls int32
}

func (h *echoHandler) Handle(ctx context.Context, job *trunk.Job) trunk.JobResult {
	atomic.AddInt32(&h.calls, 1)
	return trunk.JobResult{Value: job.Payload}
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, job *trunk.Job) trunk.JobResult {
	<-h.release
	return trunk.JobResult{Value: job.Payload}
}

func TestDispatchRoundTripsPayload(t *testing.T) {
	h := &echoHandler{}
	v := trunk.NewVersion("dev", nil, nil, nil, h, trunk.Config{Workers: 2, QueueDepth: 4})
	defer v.Retire()

	res, err := v.Dispatch(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Value)
	assert.Nil(t, res.Err)
}

func TestDispatchServesConcurrentJobsWithMultipleWorkers(t *testing.T) {
	h := &echoHandler{}
	v := trunk.NewVersion("dev", nil, nil, nil, h, trunk.Config{Workers: 4, QueueDepth: 16})
	defer v.Retire()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := v.Dispatch(context.Background(), n)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 10, atomic.LoadInt32(&h.calls))
}

func TestRetireWaitsForInFlightJobThenStops(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	v := trunk.NewVersion("dev", nil, nil, nil, h, trunk.Config{Workers: 1, QueueDepth: 4})

	inFlight := make(chan trunk.JobResult, 1)
	go func() {
		res, _ := v.Dispatch(context.Background(), "first")
		inFlight <- res
	}()
	time.Sleep(20 * time.Millisecond)

	retired := make(chan struct{})
	go func() {
		v.Retire()
		close(retired)
	}()

	select {
	case <-retired:
		t.Fatal("Retire returned before the in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(h.release)
	res := <-inFlight
	assert.Equal(t, "first", res.Value)
	<-retired
}

func TestSwapRetiresPriorVersion(t *testing.T) {
	tr := trunk.New()
	h := &echoHandler{}

	v1 := trunk.NewVersion("dev", nil, nil, nil, h, trunk.Config{Workers: 1, QueueDepth: 4})
	tr.Swap(v1)

	v2 := trunk.NewVersion("dev", nil, nil, nil, h, trunk.Config{Workers: 1, QueueDepth: 4})
	tr.Swap(v2)

	got, ok := tr.Lookup("dev")
	require.True(t, ok)
	assert.Same(t, v2, got)

	_, err := v1.Dispatch(context.Background(), "late")
	assert.Error(t, err)
}

func TestListSortsVersionIDs(t *testing.T) {
	tr := trunk.New()
	h := &echoHandler{}
	tr.Swap(trunk.NewVersion("prod", nil, nil, nil, h, trunk.DefaultConfig()))
	tr.Swap(trunk.NewVersion("dev", nil, nil, nil, h, trunk.DefaultConfig()))

	assert.Equal(t, []string{"dev", "prod"}, tr.List())
	tr.Shutdown()
}

func TestRemoveDropsVersion(t *testing.T) {
	tr := trunk.New()
	h := &echoHandler{}
	tr.Swap(trunk.NewVersion("dev", nil, nil, nil, h, trunk.DefaultConfig()))
	tr.Remove("dev")

	_, ok := tr.Lookup("dev")
	assert.False(t, ok)
}
