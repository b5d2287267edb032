package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/retry"
)

var fast = retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2}

func TestDelay(t *testing.T) {
	p := retry.Policy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(20))
}

func TestDoRetriesRetryable(t *testing.T) {
	calls := 0
	var retried []int

	v, err := retry.Do(context.Background(), fast, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", models.Ef(models.ErrEmbeddingService, "test", "rate limited")
		}
		return "done", nil
	}, func(attempt int, _ time.Duration, _ error) {
		retried = append(retried, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnFatal(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fast, func(context.Context) (int, error) {
		calls++
		return 0, models.Ef(models.ErrDimensionMismatch, "test", "bad vectors")
	}, nil)

	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fast, func(context.Context) (int, error) {
		calls++
		return 0, models.Ef(models.ErrGeneration, "test", "overloaded")
	}, nil)

	assert.ErrorIs(t, err, models.ErrGeneration)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := retry.Policy{MaxAttempts: 5, Initial: time.Hour}

	calls := 0
	_, err := retry.Do(ctx, slow, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, models.E(models.ErrIngestionBusy, "test", errors.New("locked"))
	}, nil)

	assert.ErrorIs(t, err, models.ErrIngestionBusy)
	assert.Equal(t, 1, calls)
}
