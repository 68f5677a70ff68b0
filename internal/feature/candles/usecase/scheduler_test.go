package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
	"candle_sync/internal/feature/candles/usecase"
)

func testSchedulerConfig() usecase.SchedulerConfig {
	return usecase.SchedulerConfig{
		CloseMargin:          time.Minute,
		MaxFetchRetries:      3,
		MaxGapRetries:        2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		DeliverTimeout:       time.Second,
	}
}

// fakeSleeper は実際には待たずに fx の時計を d+drift だけ進めます。
func fakeSleeper(fx *fakeExchange, drift time.Duration, sleeps *[]time.Duration) usecase.Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		*sleeps = append(*sleeps, d)
		fx.advance(d + drift)
		return nil
	}
}

func TestNextWake(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		now          time.Time
		tf           entity.Timeframe
		margin       time.Duration
		wantBoundary time.Time
		wantWake     time.Time
	}{
		{
			name:         "hourly a few seconds after the hour",
			now:          time.Date(2024, 1, 10, 13, 0, 5, 0, time.UTC),
			tf:           entity.TF1h,
			margin:       60 * time.Second,
			wantBoundary: time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC),
			wantWake:     time.Date(2024, 1, 10, 14, 1, 0, 0, time.UTC),
		},
		{
			name:         "exactly on a boundary moves to the next one",
			now:          time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC),
			tf:           entity.TF1h,
			margin:       0,
			wantBoundary: time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC),
			wantWake:     time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC),
		},
		{
			name:         "five minutes",
			now:          time.Date(2024, 1, 10, 13, 7, 30, 0, time.UTC),
			tf:           entity.TF5m,
			margin:       10 * time.Second,
			wantBoundary: time.Date(2024, 1, 10, 13, 10, 0, 0, time.UTC),
			wantWake:     time.Date(2024, 1, 10, 13, 10, 10, 0, time.UTC),
		},
		{
			name:         "weekly wakes after Monday open",
			now:          time.Date(2024, 1, 10, 13, 0, 5, 0, time.UTC),
			tf:           entity.TF1w,
			margin:       time.Minute,
			wantBoundary: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			wantWake:     time.Date(2024, 1, 15, 0, 1, 0, 0, time.UTC),
		},
		{
			name:         "daily from a non-UTC clock",
			now:          time.Date(2024, 1, 10, 8, 0, 0, 0, time.FixedZone("JST", 9*60*60)),
			tf:           entity.TF1d,
			margin:       time.Minute,
			wantBoundary: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
			wantWake:     time.Date(2024, 1, 10, 0, 1, 0, 0, time.UTC),
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			boundary, wake := usecase.NextWake(tc.now, tc.tf, tc.margin)
			assert.True(t, tc.wantBoundary.Equal(boundary), "boundary: got %v want %v", boundary, tc.wantBoundary)
			assert.True(t, tc.wantWake.Equal(wake), "wake: got %v want %v", wake, tc.wantWake)
		})
	}
}

func TestScheduler_DeliversClosedCandleEachBoundary(t *testing.T) {
	t.Parallel()

	fx := newFakeExchange(serverNow)
	var sleeps []time.Duration
	s := usecase.NewCandleScheduler(fx, testSchedulerConfig(), discardLogger(), usecase.WithSleeper(fakeSleeper(fx, 0, &sleeps)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered []time.Time
	err := s.Run(ctx, "BTCUSDT", entity.TF1h, func(ctx context.Context, c entity.Candle) error {
		delivered = append(delivered, c.Time)
		if len(delivered) == 2 {
			cancel()
		}
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 10, 13, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC),
	}, delivered)
	assert.Equal(t, []time.Duration{59*time.Minute + 55*time.Second + time.Minute, time.Hour}, sleeps)
}

func TestScheduler_ResyncsWithServerClockEveryIteration(t *testing.T) {
	t.Parallel()

	fx := newFakeExchange(serverNow)
	var sleeps []time.Duration
	// 毎回5秒寝過ごしても次の待機時間で吸収される
	s := usecase.NewCandleScheduler(fx, testSchedulerConfig(), discardLogger(), usecase.WithSleeper(fakeSleeper(fx, 5*time.Second, &sleeps)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := 0
	err := s.Run(ctx, "BTCUSDT", entity.TF1h, func(ctx context.Context, c entity.Candle) error {
		n++
		if n == 3 {
			cancel()
		}
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, sleeps, 3)
	assert.Equal(t, 60*time.Minute+55*time.Second, sleeps[0])
	assert.Equal(t, 59*time.Minute+55*time.Second, sleeps[1])
	assert.Equal(t, 59*time.Minute+55*time.Second, sleeps[2])
}

func TestScheduler_UnpublishedCandleIsRetriedThenSkipped(t *testing.T) {
	t.Parallel()

	fx := newFakeExchange(serverNow)
	fx.FetchFunc = func(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int) ([]entity.Candle, error) {
		return []entity.Candle{}, nil
	}
	var sleeps []time.Duration

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var skipped []time.Time
	var reasons []entity.GapReason
	var skipErr error
	s := usecase.NewCandleScheduler(fx, testSchedulerConfig(), discardLogger(),
		usecase.WithSleeper(fakeSleeper(fx, 0, &sleeps)),
		usecase.WithSkipHandler(func(ctx context.Context, expected time.Time, reason entity.GapReason, err error) {
			skipped = append(skipped, expected)
			reasons = append(reasons, reason)
			skipErr = err
			cancel()
		}),
	)

	delivered := 0
	err := s.Run(ctx, "BTCUSDT", entity.TF1h, func(ctx context.Context, c entity.Candle) error {
		delivered++
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, delivered)
	assert.Equal(t, 3, fx.fetchCalls(), "one attempt plus MaxGapRetries")
	assert.Equal(t, []time.Time{time.Date(2024, 1, 10, 13, 0, 0, 0, time.UTC)}, skipped)
	assert.Equal(t, []entity.GapReason{entity.GapReasonUnpublished}, reasons)
	var gapErr *domain.DataGapError
	assert.ErrorAs(t, skipErr, &gapErr)
}

func TestScheduler_FetchErrors(t *testing.T) {
	t.Parallel()

	upstream := errors.New("502 bad gateway")

	t.Run("transient failures are retried", func(t *testing.T) {
		t.Parallel()

		fx := newFakeExchange(serverNow)
		failures := 2
		fx.FetchFunc = func(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int) ([]entity.Candle, error) {
			if failures > 0 {
				failures--
				return nil, upstream
			}
			return []entity.Candle{testCandle(since)}, nil
		}
		var sleeps []time.Duration
		s := usecase.NewCandleScheduler(fx, testSchedulerConfig(), discardLogger(), usecase.WithSleeper(fakeSleeper(fx, 0, &sleeps)))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var got entity.Candle
		err := s.Run(ctx, "BTCUSDT", entity.TF1h, func(ctx context.Context, c entity.Candle) error {
			got = c
			cancel()
			return nil
		})

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, time.Date(2024, 1, 10, 13, 0, 0, 0, time.UTC), got.Time)
		assert.Equal(t, 3, fx.fetchCalls())
	})

	t.Run("exhausted budget skips the boundary", func(t *testing.T) {
		t.Parallel()

		fx := newFakeExchange(serverNow)
		fx.FetchFunc = func(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int) ([]entity.Candle, error) {
			return nil, upstream
		}
		var sleeps []time.Duration

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var reason entity.GapReason
		var skipErr error
		s := usecase.NewCandleScheduler(fx, testSchedulerConfig(), discardLogger(),
			usecase.WithSleeper(fakeSleeper(fx, 0, &sleeps)),
			usecase.WithSkipHandler(func(ctx context.Context, expected time.Time, r entity.GapReason, err error) {
				reason, skipErr = r, err
				cancel()
			}),
		)

		err := s.Run(ctx, "BTCUSDT", entity.TF1h, func(ctx context.Context, c entity.Candle) error {
			t.Error("no candle expected")
			return nil
		})

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 4, fx.fetchCalls(), "one attempt plus MaxFetchRetries")
		assert.Equal(t, entity.GapReasonFetchFailed, reason)
		var fe *domain.FetchError
		require.ErrorAs(t, skipErr, &fe)
		assert.ErrorIs(t, skipErr, upstream)
	})

	t.Run("config error terminates the loop", func(t *testing.T) {
		t.Parallel()

		fx := newFakeExchange(serverNow)
		fx.FetchFunc = func(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int) ([]entity.Candle, error) {
			return nil, &domain.ConfigError{Field: "symbol", Value: symbol, Reason: "unknown symbol"}
		}
		var sleeps []time.Duration
		s := usecase.NewCandleScheduler(fx, testSchedulerConfig(), discardLogger(), usecase.WithSleeper(fakeSleeper(fx, 0, &sleeps)))

		err := s.Run(context.Background(), "NOPE", entity.TF1h, func(ctx context.Context, c entity.Candle) error {
			t.Error("no candle expected")
			return nil
		})

		require.Error(t, err)
		assert.True(t, domain.IsConfigError(err))
		assert.Equal(t, 1, fx.fetchCalls())
	})
}

func TestScheduler_FallsBackToLocalClock(t *testing.T) {
	t.Parallel()

	fx := newFakeExchange(serverNow)
	fx.ServerTimeFunc = func(ctx context.Context, symbol string) (time.Time, error) {
		return time.Time{}, errors.New("timeout")
	}
	var sleeps []time.Duration

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testSchedulerConfig()
	cfg.MaxFetchRetries = 1
	s := usecase.NewCandleScheduler(fx, cfg, discardLogger(),
		usecase.WithSleeper(fakeSleeper(fx, 0, &sleeps)),
		usecase.WithClock(func() time.Time { return serverNow }),
	)

	err := s.Run(ctx, "BTCUSDT", entity.TF1h, func(ctx context.Context, c entity.Candle) error {
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.NotEmpty(t, sleeps)
	assert.Equal(t, 60*time.Minute+55*time.Second, sleeps[0])
	assert.Equal(t, 2, fx.ServerTimeCalls)
}

func TestScheduler_DeliveryOutlivesCancellation(t *testing.T) {
	t.Parallel()

	fx := newFakeExchange(serverNow)
	var sleeps []time.Duration
	s := usecase.NewCandleScheduler(fx, testSchedulerConfig(), discardLogger(), usecase.WithSleeper(fakeSleeper(fx, 0, &sleeps)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliverErr error
	var hasDeadline bool
	err := s.Run(ctx, "BTCUSDT", entity.TF1h, func(dctx context.Context, c entity.Candle) error {
		cancel()
		deliverErr = dctx.Err()
		_, hasDeadline = dctx.Deadline()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, deliverErr)
	assert.True(t, hasDeadline)
}

func TestScheduler_StopsWhenCanceled(t *testing.T) {
	t.Parallel()

	fx := newFakeExchange(serverNow)
	var sleeps []time.Duration
	s := usecase.NewCandleScheduler(fx, testSchedulerConfig(), discardLogger(), usecase.WithSleeper(fakeSleeper(fx, 0, &sleeps)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, "BTCUSDT", entity.TF1h, func(ctx context.Context, c entity.Candle) error {
		t.Error("no candle expected")
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fx.ServerTimeCalls)
	assert.Zero(t, fx.fetchCalls())
}

func TestScheduler_RejectsUnknownTimeframe(t *testing.T) {
	t.Parallel()

	s := usecase.NewCandleScheduler(newFakeExchange(serverNow), testSchedulerConfig(), discardLogger())
	err := s.Run(context.Background(), "BTCUSDT", entity.Timeframe("2s"), func(ctx context.Context, c entity.Candle) error {
		return nil
	})
	assert.True(t, domain.IsConfigError(err))
}

func TestScheduler_RejectsCloseMarginNotShorterThanTimeframe(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		tf     entity.Timeframe
		margin time.Duration
	}{
		{"default margin with one minute", entity.TF1m, usecase.DefaultSchedulerConfig().CloseMargin},
		{"margin longer than interval", entity.TF3m, 5 * time.Minute},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFakeExchange(serverNow)
			cfg := usecase.DefaultSchedulerConfig()
			cfg.CloseMargin = tc.margin
			s := usecase.NewCandleScheduler(fx, cfg, discardLogger())

			err := s.Run(context.Background(), "BTCUSDT", tc.tf, func(ctx context.Context, c entity.Candle) error {
				t.Error("no candle expected")
				return nil
			})

			var cfgErr *domain.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "close_margin", cfgErr.Field)
			assert.Zero(t, fx.ServerTimeCalls)
			assert.Zero(t, fx.fetchCalls())
		})
	}
}

func TestScheduler_CatchesUpIntervalsPassedOver(t *testing.T) {
	t.Parallel()

	minute := func(m int) time.Time { return time.Date(2024, 1, 10, 13, m, 0, 0, time.UTC) }

	testCases := []struct {
		name          string
		missing       []time.Time
		wantDelivered []time.Time
		wantSkipped   []time.Time
	}{
		{
			name:          "passed-over intervals are fetched late",
			wantDelivered: []time.Time{minute(0), minute(1), minute(2), minute(3), minute(4)},
		},
		{
			name:          "interval absent at the exchange is reported",
			missing:       []time.Time{minute(1)},
			wantDelivered: []time.Time{minute(0), minute(2), minute(3), minute(4)},
			wantSkipped:   []time.Time{minute(1)},
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFakeExchange(serverNow)
			for _, m := range tc.missing {
				fx.skip(m)
			}
			cfg := testSchedulerConfig()
			cfg.CloseMargin = 10 * time.Second
			var sleeps []time.Duration

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var skipped []time.Time
			var reasons []entity.GapReason
			// 毎回1分寝過ごすため、待機のたびに次の境界を1つ飛び越える
			s := usecase.NewCandleScheduler(fx, cfg, discardLogger(),
				usecase.WithSleeper(fakeSleeper(fx, time.Minute, &sleeps)),
				usecase.WithSkipHandler(func(ctx context.Context, expected time.Time, reason entity.GapReason, err error) {
					skipped = append(skipped, expected)
					reasons = append(reasons, reason)
				}),
			)

			var delivered []time.Time
			err := s.Run(ctx, "BTCUSDT", entity.TF1m, func(ctx context.Context, c entity.Candle) error {
				delivered = append(delivered, c.Time)
				if c.Time.Equal(minute(4)) {
					cancel()
				}
				return nil
			})

			require.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, tc.wantDelivered, delivered)
			assert.Equal(t, tc.wantSkipped, skipped)
			for _, r := range reasons {
				assert.Equal(t, entity.GapReasonUnpublished, r)
			}
		})
	}
}
