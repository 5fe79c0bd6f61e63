package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts map[string]int
	err    error
	closed bool
}

func (f *fakeCounter) CountByStatus(ctx context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func (f *fakeCounter) Close() error {
	f.closed = true
	return nil
}

func TestQueueDepthCollector(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{
		"pending": 3, "retry": 1, "done": 40, "dead": 2,
	}}
	c := NewQueueDepthCollector(func(ctx context.Context) (StatusCounter, error) {
		return counter, nil
	}, nil)

	expected := `
# HELP dispatchbox_outbox_events Number of outbox events by status.
# TYPE dispatchbox_outbox_events gauge
dispatchbox_outbox_events{status="dead"} 2
dispatchbox_outbox_events{status="done"} 40
dispatchbox_outbox_events{status="pending"} 3
dispatchbox_outbox_events{status="retry"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
	assert.True(t, counter.closed)
}

func TestQueueDepthCollectorFactoryError(t *testing.T) {
	c := NewQueueDepthCollector(func(ctx context.Context) (StatusCounter, error) {
		return nil, errors.New("connection refused")
	}, nil)
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestQueueDepthCollectorCountError(t *testing.T) {
	counter := &fakeCounter{err: errors.New("timeout")}
	c := NewQueueDepthCollector(func(ctx context.Context) (StatusCounter, error) {
		return counter, nil
	}, nil)
	assert.Equal(t, 0, testutil.CollectAndCount(c))
	assert.True(t, counter.closed)
}
