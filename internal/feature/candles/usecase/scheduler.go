package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
)

// SchedulerConfig controls boundary alignment and retry budgets of the polling loop.
type SchedulerConfig struct {
	CloseMargin          time.Duration // delay after a boundary before the closed candle is requested
	MaxFetchRetries      uint64        // retries for failing server-time / OHLCV requests
	MaxGapRetries        uint64        // retries while the expected candle is not yet published
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	DeliverTimeout       time.Duration // upper bound for one onCandle call
}

// DefaultSchedulerConfig returns the settings used when a pipeline does not override them.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CloseMargin:          60 * time.Second,
		MaxFetchRetries:      5,
		MaxGapRetries:        5,
		RetryInitialInterval: 2 * time.Second,
		RetryMaxInterval:     time.Minute,
		DeliverTimeout:       30 * time.Second,
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SkipHandler is called when a boundary is abandoned after the retry budget is spent.
// expected is the open time of the candle that could not be obtained.
type SkipHandler func(ctx context.Context, expected time.Time, reason entity.GapReason, err error)

// SchedulerOption customizes a CandleScheduler.
type SchedulerOption func(*CandleScheduler)

// WithSleeper replaces the timer-based sleep.
func WithSleeper(s Sleeper) SchedulerOption {
	return func(cs *CandleScheduler) { cs.sleep = s }
}

// WithClock replaces the local clock used when the server time cannot be obtained.
func WithClock(now func() time.Time) SchedulerOption {
	return func(cs *CandleScheduler) { cs.now = now }
}

// WithSkipHandler registers a callback for abandoned boundaries.
func WithSkipHandler(h SkipHandler) SchedulerOption {
	return func(cs *CandleScheduler) { cs.onSkip = h }
}

// CandleScheduler polls the market data source once per closed interval.
// Iterations are sequential: await boundary, fetch, deliver.
type CandleScheduler struct {
	market MarketDataClient
	cfg    SchedulerConfig
	logger *slog.Logger
	sleep  Sleeper
	now    func() time.Time
	onSkip SkipHandler
}

// NewCandleScheduler creates a scheduler. Zero fields of cfg fall back to DefaultSchedulerConfig.
func NewCandleScheduler(market MarketDataClient, cfg SchedulerConfig, logger *slog.Logger, opts ...SchedulerOption) *CandleScheduler {
	def := DefaultSchedulerConfig()
	if cfg.CloseMargin < 0 {
		cfg.CloseMargin = 0
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		cfg.RetryMaxInterval = max(def.RetryMaxInterval, cfg.RetryInitialInterval)
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = def.DeliverTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &CandleScheduler{
		market: market,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextWake returns the boundary following now and the instant at which the candle closed at
// that boundary should be requested (boundary + closeMargin).
func NextWake(now time.Time, tf entity.Timeframe, closeMargin time.Duration) (boundary, wake time.Time) {
	boundary = tf.NextBoundary(now)
	return boundary, boundary.Add(closeMargin)
}

// catchUpPageSize is the largest number of passed-over intervals requested at once.
const catchUpPageSize = 1000

// Run invokes onCandle once per newly closed interval until ctx is canceled.
// Transient failures never end the loop; only cancellation or a ConfigError does.
// Intervals passed over because an iteration ended after the following boundary are fetched
// late or reported to the skip handler.
func (s *CandleScheduler) Run(ctx context.Context, symbol string, tf entity.Timeframe, onCandle func(context.Context, entity.Candle) error) error {
	if !tf.IsValid() {
		return &domain.ConfigError{Field: "timeframe", Value: string(tf), Reason: "unsupported timeframe"}
	}
	if s.cfg.CloseMargin >= tf.Duration() {
		return &domain.ConfigError{
			Field:  "close_margin",
			Value:  s.cfg.CloseMargin.String(),
			Reason: "must be shorter than the " + tf.String() + " interval",
		}
	}
	log := s.logger.With("symbol", symbol, "timeframe", tf)
	log.Info("scheduler started", "close_margin", s.cfg.CloseMargin)

	// open time of the last interval that was delivered or reported
	var last time.Time
	for {
		if err := ctx.Err(); err != nil {
			log.Info("scheduler stopped")
			return err
		}

		// AWAIT_BOUNDARY
		boundary, err := s.awaitBoundary(ctx, symbol, tf, log)
		if err != nil {
			log.Info("scheduler stopped")
			return err
		}
		expected := boundary.Add(-tf.Duration())

		if !last.IsZero() && expected.Sub(last) > tf.Duration() {
			if err := s.catchUp(ctx, symbol, tf, last.Add(tf.Duration()), expected, onCandle, log); err != nil {
				if domain.IsConfigError(err) {
					log.Error("scheduler terminated", "error", err)
				} else {
					log.Info("scheduler stopped")
				}
				return err
			}
		}
		if !expected.After(last) {
			continue
		}
		last = expected

		// FETCH
		candle, err := s.fetchClosed(ctx, symbol, tf, expected, log)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("scheduler stopped")
				return ctx.Err()
			}
			if domain.IsConfigError(err) {
				log.Error("scheduler terminated", "error", err)
				return err
			}
			reason := entity.GapReasonFetchFailed
			var gapErr *domain.DataGapError
			if errors.As(err, &gapErr) {
				reason = entity.GapReasonUnpublished
			}
			s.skip(ctx, expected, reason, err, log)
			continue
		}

		s.deliver(ctx, candle, onCandle, log)
	}
}

// deliver hands c to onCandle. DELIVER runs to completion even if ctx is canceled meanwhile.
func (s *CandleScheduler) deliver(ctx context.Context, c entity.Candle, onCandle func(context.Context, entity.Candle) error, log *slog.Logger) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DeliverTimeout)
	defer cancel()
	if err := onCandle(dctx, c); err != nil {
		log.Error("candle delivery failed", "candle_time", c.Time, "error", err)
		return
	}
	log.Debug("candle delivered", "candle_time", c.Time, "close", c.Close.String())
}

func (s *CandleScheduler) skip(ctx context.Context, expected time.Time, reason entity.GapReason, err error, log *slog.Logger) {
	log.Error("boundary skipped", "expected", expected, "reason", reason, "error", err)
	if s.onSkip != nil {
		s.onSkip(ctx, expected, reason, err)
	}
}

// catchUp fetches the intervals opening in [from, to) and delivers them in order.
// Intervals the exchange does not return, or that cannot be fetched, go to the skip handler.
func (s *CandleScheduler) catchUp(ctx context.Context, symbol string, tf entity.Timeframe, from, to time.Time, onCandle func(context.Context, entity.Candle) error, log *slog.Logger) error {
	q := tf.Duration()
	log.Warn("intervals passed over, catching up", "from", from, "to", to, "count", int(to.Sub(from)/q))

	for page := from; page.Before(to); page = page.Add(catchUpPageSize * q) {
		limit := min(int(to.Sub(page)/q), catchUpPageSize)
		cs, fetchErr := s.fetchRange(ctx, symbol, tf, page, limit, log)
		if fetchErr != nil && (ctx.Err() != nil || domain.IsConfigError(fetchErr)) {
			return fetchErr
		}

		byTime := make(map[int64]entity.Candle, len(cs))
		for _, c := range cs {
			byTime[c.Time.UnixMilli()] = c
		}
		for i := 0; i < limit; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			t := page.Add(time.Duration(i) * q)
			c, ok := byTime[t.UnixMilli()]
			switch {
			case ok:
				c.Time = entity.Normalize(c.Time)
				s.deliver(ctx, c, onCandle, log)
			case fetchErr != nil:
				s.skip(ctx, t, entity.GapReasonFetchFailed, fetchErr, log)
			default:
				s.skip(ctx, t, entity.GapReasonUnpublished, &domain.DataGapError{Symbol: symbol, Timeframe: string(tf), Expected: t}, log)
			}
		}
	}
	return nil
}

// fetchRange requests limit candles from since, retrying transport failures only.
func (s *CandleScheduler) fetchRange(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int, log *slog.Logger) ([]entity.Candle, error) {
	var out []entity.Candle
	var attempts uint64
	op := func() error {
		cs, err := s.market.FetchOHLCV(ctx, symbol, tf, since, limit)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if domain.IsConfigError(err) {
				return backoff.Permanent(err)
			}
			attempts++
			if attempts > s.cfg.MaxFetchRetries {
				return backoff.Permanent(asFetchError("ohlcv", symbol, err))
			}
			return err
		}
		out = cs
		return nil
	}
	err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), func(err error, d time.Duration) {
		log.Warn("catch-up fetch failed, retrying", "since", since, "error", err, "retry_in", d)
	})
	return out, err
}

// awaitBoundary sleeps until the next boundary plus the close margin and returns the boundary.
// It only fails when ctx is done or on a ConfigError.
func (s *CandleScheduler) awaitBoundary(ctx context.Context, symbol string, tf entity.Timeframe, log *slog.Logger) (time.Time, error) {
	now, err := s.serverTime(ctx, symbol, log)
	if err != nil {
		if ctx.Err() != nil || domain.IsConfigError(err) {
			return time.Time{}, err
		}
		// Fall back to the local clock; the next iteration re-syncs with the server.
		now = s.now()
		log.Warn("server time unavailable, using local clock", "error", err)
	}

	boundary, wake := NextWake(now, tf, s.cfg.CloseMargin)
	wait := max(boundary.Sub(now), 0) + s.cfg.CloseMargin
	log.Debug("waiting for boundary", "server_time", now, "boundary", boundary, "wake", wake, "sleep", wait)
	if err := s.sleep(ctx, wait); err != nil {
		return time.Time{}, err
	}
	return boundary, nil
}

func (s *CandleScheduler) serverTime(ctx context.Context, symbol string, log *slog.Logger) (time.Time, error) {
	var now time.Time
	var attempts uint64
	op := func() error {
		t, err := s.market.ServerTime(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if domain.IsConfigError(err) {
				return backoff.Permanent(err)
			}
			attempts++
			if attempts > s.cfg.MaxFetchRetries {
				return backoff.Permanent(asFetchError("server_time", symbol, err))
			}
			return err
		}
		now = t
		return nil
	}
	err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), func(err error, d time.Duration) {
		log.Warn("server time request failed, retrying", "error", err, "retry_in", d)
	})
	return now, err
}

// fetchClosed requests the single candle opening at expected, retrying transport failures and
// not-yet-published candles within their separate budgets.
func (s *CandleScheduler) fetchClosed(ctx context.Context, symbol string, tf entity.Timeframe, expected time.Time, log *slog.Logger) (entity.Candle, error) {
	var out entity.Candle
	var fetchAttempts, gapAttempts uint64
	op := func() error {
		cs, err := s.market.FetchOHLCV(ctx, symbol, tf, expected, 1)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if domain.IsConfigError(err) {
				return backoff.Permanent(err)
			}
			fetchAttempts++
			if fetchAttempts > s.cfg.MaxFetchRetries {
				return backoff.Permanent(asFetchError("ohlcv", symbol, err))
			}
			return err
		}
		c, ok := pickCandle(cs, expected)
		if !ok {
			gapErr := &domain.DataGapError{Symbol: symbol, Timeframe: string(tf), Expected: expected}
			gapAttempts++
			if gapAttempts > s.cfg.MaxGapRetries {
				return backoff.Permanent(gapErr)
			}
			return gapErr
		}
		out = c
		return nil
	}
	err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), func(err error, d time.Duration) {
		log.Warn("candle fetch failed, retrying", "expected", expected, "error", err, "retry_in", d)
	})
	return out, err
}

func (s *CandleScheduler) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0 // bounded by attempt counters instead
	b.Reset()
	return b
}

// pickCandle returns the candle opening exactly at expected.
func pickCandle(cs []entity.Candle, expected time.Time) (entity.Candle, bool) {
	key := expected.UnixMilli()
	for _, c := range cs {
		if c.Time.UnixMilli() == key {
			c.Time = entity.Normalize(c.Time)
			return c, true
		}
	}
	return entity.Candle{}, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
