//go:build integration

package actions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opswatch/opswatch-backend/internal/testutil"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

func TestRepositoryReserveSlotSingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	conn, err := container.OpenMigrated(ctx)
	require.NoError(t, err)

	repo := NewRepository(conn)

	running := newAction(enums.ActionRestart, enums.ActionRunning)
	require.NoError(t, repo.Insert(ctx, running))

	const workers = 8
	candidates := make([]uuid.UUID, 0, workers)
	for i := 0; i < workers; i++ {
		action := newAction(enums.ActionRestart, enums.ActionPending)
		require.NoError(t, repo.Insert(ctx, action))
		candidates = append(candidates, action.ID)
	}

	// One slot already taken, limit 2 leaves exactly one free.
	var wg sync.WaitGroup
	results := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = repo.ReserveSlot(ctx, candidates[i], 2, enums.RiskSafe, time.Now().UTC())
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	count, err := repo.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
