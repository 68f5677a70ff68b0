package usecase_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExchange は取引所のマーケットデータAPIを模したテスト用実装です。
// 関数フィールドが nil の場合、now 以前に始まるローソク足を生成して返します。
type fakeExchange struct {
	mu      sync.Mutex
	now     time.Time
	missing map[int64]bool

	ServerTimeFunc func(ctx context.Context, symbol string) (time.Time, error)
	FetchFunc      func(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int) ([]entity.Candle, error)

	ServerTimeCalls int
	FetchCalls      int
	FetchSince      []time.Time
}

func newFakeExchange(now time.Time) *fakeExchange {
	return &fakeExchange{now: now, missing: map[int64]bool{}}
}

func (f *fakeExchange) ServerTime(ctx context.Context, symbol string) (time.Time, error) {
	f.mu.Lock()
	f.ServerTimeCalls++
	fn, now := f.ServerTimeFunc, f.now
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, symbol)
	}
	return now, nil
}

func (f *fakeExchange) FetchOHLCV(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int) ([]entity.Candle, error) {
	f.mu.Lock()
	f.FetchCalls++
	f.FetchSince = append(f.FetchSince, since)
	fn := f.FetchFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, symbol, tf, since, limit)
	}
	return f.generate(tf, since, limit), nil
}

// generate は since 以降に始まり now 以前に始まったローソク足を最大 limit 件返します。
// 最後の1本は未確定の場合があります。
func (f *fakeExchange) generate(tf entity.Timeframe, since time.Time, limit int) []entity.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := tf.Duration()
	t := tf.Truncate(since)
	if t.Before(since) {
		t = t.Add(q)
	}
	var out []entity.Candle
	for ; !t.After(f.now) && len(out) < limit; t = t.Add(q) {
		if f.missing[t.UnixMilli()] {
			continue
		}
		out = append(out, testCandle(t))
	}
	return out
}

func (f *fakeExchange) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeExchange) skip(t time.Time) {
	f.mu.Lock()
	f.missing[t.UnixMilli()] = true
	f.mu.Unlock()
}

func (f *fakeExchange) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FetchCalls
}

func testCandle(t time.Time) entity.Candle {
	base := decimal.NewFromInt(40000 + t.Unix()%1000)
	return entity.Candle{
		Time:   t.UTC(),
		Open:   base,
		High:   base.Add(decimal.NewFromInt(50)),
		Low:    base.Sub(decimal.NewFromInt(50)),
		Close:  base.Add(decimal.RequireFromString("12.5")),
		Volume: decimal.RequireFromString("3.25"),
	}
}

func hourlyCandles(from time.Time, n int) []entity.Candle {
	out := make([]entity.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, testCandle(from.Add(time.Duration(i)*time.Hour)))
	}
	return out
}

// memoryStore はメモリ上に保存するCandleStoreの実装です。
type memoryStore struct {
	mu     sync.Mutex
	tables map[string]map[int64]entity.Candle

	// FailInserts 回数分だけ InsertNew が StoreError を返します。
	FailInserts     int
	InsertCalls     int
	ExistingErr     error
	ExistingWindows []*entity.SyncWindow
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tables: map[string]map[int64]entity.Candle{}}
}

func (m *memoryStore) ExistingTimestamps(ctx context.Context, table string, window *entity.SyncWindow) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExistingWindows = append(m.ExistingWindows, window)
	if m.ExistingErr != nil {
		return nil, m.ExistingErr
	}
	out := map[int64]struct{}{}
	for k, c := range m.tables[table] {
		if window != nil && (c.Time.Before(window.Start) || !c.Time.Before(window.End)) {
			continue
		}
		out[k] = struct{}{}
	}
	return out, nil
}

func (m *memoryStore) InsertNew(ctx context.Context, table string, candles []entity.Candle) ([]entity.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.FailInserts > 0 {
		m.FailInserts--
		return nil, &domain.StoreError{Op: "insert", Table: table, Code: "08006", Err: io.ErrUnexpectedEOF}
	}
	rows, ok := m.tables[table]
	if !ok {
		rows = map[int64]entity.Candle{}
		m.tables[table] = rows
	}
	var inserted []entity.Candle
	for _, c := range candles {
		if _, dup := rows[c.Key()]; dup {
			continue
		}
		rows[c.Key()] = c
		inserted = append(inserted, c)
	}
	return inserted, nil
}

func (m *memoryStore) count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func (m *memoryStore) has(table string, t time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[table][t.UnixMilli()]
	return ok
}

type fakeGapRecorder struct {
	mu      sync.Mutex
	Records []entity.GapRecord
}

func (g *fakeGapRecorder) RecordGap(ctx context.Context, rec entity.GapRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Records = append(g.Records, rec)
	return nil
}

func (g *fakeGapRecorder) records() []entity.GapRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]entity.GapRecord(nil), g.Records...)
}

type fakePublisher struct {
	mu        sync.Mutex
	Err       error
	Published []entity.Candle
}

func (p *fakePublisher) PublishCandles(ctx context.Context, table string, candles []entity.Candle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, candles...)
	return p.Err
}

type fakeMetrics struct {
	mu          sync.Mutex
	Inserted    int
	Duplicates  int
	StoreErrors int
	Gaps        map[string]int
	LastCandle  time.Time
}

func (m *fakeMetrics) RecordInserted(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inserted += n
}

func (m *fakeMetrics) RecordDuplicates(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Duplicates += n
}

func (m *fakeMetrics) RecordStoreError(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StoreErrors++
}

func (m *fakeMetrics) RecordGap(_ string, reason string, missing int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Gaps == nil {
		m.Gaps = map[string]int{}
	}
	m.Gaps[reason] += missing
}

func (m *fakeMetrics) RecordLastCandle(_ string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastCandle = t
}
