package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/jobctx"
)

func jobctxFor(ctx context.Context, job *core.JobInfo) context.Context {
	return jobctx.WithJobContext(ctx, &jobctx.JobContext{Job: job, WorkerID: "test"})
}

func TestValues(t *testing.T) {
	results := []Result[int]{
		{Index: 0, Value: 10},
		{Index: 1, Err: errors.New("failed")},
		{Index: 2, Value: 30},
	}
	assert.Equal(t, []int{10, 30}, Values(results))
	assert.Empty(t, Values([]Result[int]{}))
}

func TestPartition(t *testing.T) {
	results := []Result[string]{
		{Index: 0, Value: "a"},
		{Index: 1, Err: errors.New("err1")},
		{Index: 2, Value: "c"},
		{Index: 3, Err: errors.New("err2")},
	}
	successes, failures := Partition(results)
	assert.Equal(t, []string{"a", "c"}, successes)
	assert.Len(t, failures, 2)
}

func TestAllSucceeded(t *testing.T) {
	assert.True(t, AllSucceeded([]Result[int]{{Value: 1}, {Value: 2}}))
	assert.True(t, AllSucceeded([]Result[int]{}))
	assert.False(t, AllSucceeded([]Result[int]{{Value: 1}, {Err: errors.New("x")}}))
}

func TestSuccessCount(t *testing.T) {
	assert.Equal(t, 2, SuccessCount([]Result[int]{{Value: 1}, {Err: errors.New("x")}, {Value: 3}}))
}

func TestBatchCodec(t *testing.T) {
	in := [][]byte{[]byte("one"), []byte(`{"id":2}`), {0xff, 0x00}}
	data, err := EncodeBatch(in)
	assert.NoError(t, err)

	out, err := DecodeBatch(data)
	assert.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeBatch([]byte("not json"))
	assert.Error(t, err)
}

func TestChildDedupKey(t *testing.T) {
	a := ChildDedupKey("g1", []byte("item"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, ChildDedupKey("g1", []byte("item")))
	assert.NotEqual(t, a, ChildDedupKey("g2", []byte("item")))
	assert.NotEqual(t, a, ChildDedupKey("g1", []byte("other")))
}

func TestOptions(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, StrategyAllMustSucceed, cfg.strategy)
	assert.Equal(t, 1, cfg.batchSize)

	for _, opt := range []Option{Threshold(1.5), WithBatchSize(0), WithMaxFailures(-1), CancelOnFailure()} {
		opt.apply(cfg)
	}
	assert.Equal(t, StrategyThreshold, cfg.strategy)
	assert.Equal(t, 1.0, cfg.threshold)
	assert.Equal(t, 1, cfg.batchSize)
	assert.Zero(t, cfg.maxFailures)
	assert.True(t, cfg.cancelOnFailure)

	AllMustSucceed().apply(cfg)
	assert.Equal(t, StrategyAllMustSucceed, cfg.strategy)
}
