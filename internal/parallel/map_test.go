package parallel_test

import (
	"context"
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Lookout/internal/parallel"
	"github.com/stretchr/testify/require"
)

func sleep(ctx context.Context, d time.Duration) (int, error) {
	select {
	case <-time.After(d):
		return int(d / time.Second), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var input = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

func TestMap(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 0 means 1", 0, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				var got []int
				for r := range parallel.Map(t.Context(), tc.given, slices.Values(input), sleep) {
					require.NoError(t, r.Err)
					require.Equal(t, int(r.In/time.Second), r.Out)
					got = append(got, r.Out)
				}
				require.ElementsMatch(t, []int{1, 2, 5, 10}, got)
				require.Equal(t, tc.then, time.Since(start))
			})
		})
	}
}

func TestMap_Cancel(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 10} {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(t.Context(), 1500*time.Millisecond)
			defer cancel()

			start := time.Now()
			var ok, failed int
			for r := range parallel.Map(ctx, limit, slices.Values(input), sleep) {
				if r.Err != nil {
					require.ErrorIs(t, r.Err, context.DeadlineExceeded)
					failed++
					continue
				}
				ok++
			}
			require.Equal(t, 1, ok)
			require.Positive(t, failed)
			require.Equal(t, 1500*time.Millisecond, time.Since(start))
		})
	}
}

func TestMap_Break(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		start := time.Now()
		for r := range parallel.Map(t.Context(), 10, slices.Values(input), sleep) {
			require.Equal(t, 1, r.Out)
			break
		}
		// remaining workers were canceled and drained
		require.Equal(t, 1*time.Second, time.Since(start))
	})
}
