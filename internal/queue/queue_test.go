package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
	"github.com/pi-brain/pi-brain/internal/types"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store.DB(), logging.NewNop())
}

func TestEnqueueMany_InsertsEveryJob(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	ins := []types.EnqueueInput{
		{Type: types.JobTypeReanalysis, Priority: types.PriorityReanalysis, Context: types.JobContext{NodeID: "n1"}},
		{Type: types.JobTypeReanalysis, Priority: types.PriorityReanalysis, Context: types.JobContext{NodeID: "n2"}},
		{Type: types.JobTypeReanalysis, Priority: types.PriorityReanalysis, Context: types.JobContext{NodeID: "n3"}},
	}

	ids, err := q.EnqueueMany(ctx, ins)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Pending)
}

func TestEnqueueMany_EmptyInputIsNoop(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	ids, err := q.EnqueueMany(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, ids)

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
}

func TestEnqueueMany_ReturnsIDsInInputOrder(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	ins := []types.EnqueueInput{
		{Type: types.JobTypeReanalysis, Priority: types.PriorityReanalysis, Context: types.JobContext{NodeID: "n1"}},
		{Type: types.JobTypeReanalysis, Priority: types.PriorityReanalysis, Context: types.JobContext{NodeID: "n2"}},
	}

	ids, err := q.EnqueueMany(ctx, ins)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	job, err := q.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, ids[0], job.ID)
	assert.Equal(t, "n1", job.Context.NodeID)
}

func TestEnqueue_StillWorksAlongsideEnqueueMany(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, types.EnqueueInput{Type: types.JobTypeInitial, Priority: types.PriorityInitial})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = q.EnqueueMany(ctx, []types.EnqueueInput{
		{Type: types.JobTypeReanalysis, Priority: types.PriorityReanalysis},
	})
	require.NoError(t, err)

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
}
