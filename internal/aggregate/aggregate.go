package aggregate

import (
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ongoingai/collector/internal/span"
)

const (
	DefaultBucketWidth    = 5 * time.Minute
	DefaultMaxOpenBuckets = 12
	DefaultMaxRows        = 50000
	DefaultReservoirSize  = 2048
	DefaultShards         = 16
)

type Config struct {
	BucketWidth    time.Duration
	MaxOpenBuckets int
	// MaxRows asks the flush loop for an early drain once exceeded.
	MaxRows       int
	ReservoirSize int
	Shards        int
}

func DefaultConfig() Config {
	return Config{
		BucketWidth:    DefaultBucketWidth,
		MaxOpenBuckets: DefaultMaxOpenBuckets,
		MaxRows:        DefaultMaxRows,
		ReservoirSize:  DefaultReservoirSize,
		Shards:         DefaultShards,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BucketWidth <= 0 {
		c.BucketWidth = d.BucketWidth
	}
	if c.MaxOpenBuckets <= 0 {
		c.MaxOpenBuckets = d.MaxOpenBuckets
	}
	if c.MaxRows <= 0 {
		c.MaxRows = d.MaxRows
	}
	if c.ReservoirSize <= 0 {
		c.ReservoirSize = d.ReservoirSize
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	return c
}

// Key identifies one aggregate row.
type Key struct {
	Bucket  time.Time
	Service string
	Model   string
}

// Row is the pre-aggregated metric for one key within one flush window.
type Row struct {
	Key
	FlushID      string
	RequestCount int64
	ErrorCount   int64
	TotalTokens  int64
	TotalCost    decimal.Decimal
	SumDuration  time.Duration
	MinDuration  time.Duration
	MaxDuration  time.Duration
	Durations    *Reservoir
}

func (r *Row) observe(s *span.Span, rng *rand.Rand) {
	d := s.Duration()
	if r.RequestCount == 0 || d < r.MinDuration {
		r.MinDuration = d
	}
	if d > r.MaxDuration {
		r.MaxDuration = d
	}
	r.RequestCount++
	if s.IsError() {
		r.ErrorCount++
	}
	r.TotalTokens += s.TotalTokens()
	if s.Cost != nil {
		r.TotalCost = r.TotalCost.Add(decimal.NewFromFloat(s.Cost.TotalCost))
	}
	r.SumDuration += d
	r.Durations.Add(d, rng)
}

// MeanDuration is SumDuration / RequestCount.
func (r Row) MeanDuration() time.Duration {
	if r.RequestCount == 0 {
		return 0
	}
	return r.SumDuration / time.Duration(r.RequestCount)
}

// Percentile is approximate; it reads the bounded duration sample.
func (r Row) Percentile(q float64) time.Duration {
	return r.Durations.Quantile(q)
}

// Merge combines two rows for the same key. Counts, tokens, cost and summed
// duration add exactly; the duration sample is merged approximately.
func Merge(a, b Row, rng *rand.Rand) Row {
	if a.RequestCount == 0 {
		return b
	}
	if b.RequestCount == 0 {
		return a
	}
	out := Row{
		Key:          a.Key,
		FlushID:      a.FlushID,
		RequestCount: a.RequestCount + b.RequestCount,
		ErrorCount:   a.ErrorCount + b.ErrorCount,
		TotalTokens:  a.TotalTokens + b.TotalTokens,
		TotalCost:    a.TotalCost.Add(b.TotalCost),
		SumDuration:  a.SumDuration + b.SumDuration,
		MinDuration:  min(a.MinDuration, b.MinDuration),
		MaxDuration:  max(a.MaxDuration, b.MaxDuration),
		Durations:    MergeReservoirs(a.Durations, b.Durations, rng),
	}
	return out
}

type shard struct {
	mu   sync.Mutex
	rows map[Key]*Row
	rng  *rand.Rand
}

// Aggregator folds spans into rows keyed by (bucket, service, model). Rows
// live in hash-selected shards, each behind its own mutex. At most
// MaxOpenBuckets buckets are held at once; admitting a newer bucket sheds
// the oldest one.
type Aggregator struct {
	cfg    Config
	shards []*shard
	logger *zap.Logger

	// bucketsMu is held shared while rows are written and exclusively while
	// buckets are admitted, shed or drained.
	bucketsMu sync.RWMutex
	open      map[int64]struct{}

	rowCount   atomic.Int64
	shedRows   atomic.Int64
	shedSpans  atomic.Int64
	observed   atomic.Int64
	flushReq   chan struct{}
	warnLimit  *rate.Limiter
	onShed     func(rows, spans int64)
	seedSource *rand.Rand
	seedMu     sync.Mutex
}

type Option func(*Aggregator)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithShedHook is called whenever rows or late spans are shed.
func WithShedHook(fn func(rows, spans int64)) Option {
	return func(a *Aggregator) {
		a.onShed = fn
	}
}

// WithSeed fixes the reservoir random streams.
func WithSeed(seed uint64) Option {
	return func(a *Aggregator) {
		a.seedSource = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

func New(cfg Config, opts ...Option) *Aggregator {
	cfg = cfg.withDefaults()
	a := &Aggregator{
		cfg:        cfg,
		logger:     zap.NewNop(),
		open:       make(map[int64]struct{}, cfg.MaxOpenBuckets),
		flushReq:   make(chan struct{}, 1),
		warnLimit:  rate.NewLimiter(rate.Every(10*time.Second), 1),
		seedSource: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.shards = make([]*shard, cfg.Shards)
	for i := range a.shards {
		a.shards[i] = &shard{rows: make(map[Key]*Row), rng: a.newRand()}
	}
	return a
}

func (a *Aggregator) newRand() *rand.Rand {
	a.seedMu.Lock()
	defer a.seedMu.Unlock()
	return rand.New(rand.NewPCG(a.seedSource.Uint64(), a.seedSource.Uint64()))
}

func (a *Aggregator) Config() Config {
	return a.cfg
}

// BucketFor truncates t to the bucket width.
func (a *Aggregator) BucketFor(t time.Time) time.Time {
	return t.UTC().Truncate(a.cfg.BucketWidth)
}

func (a *Aggregator) shardFor(k Key) *shard {
	h := xxhash.New()
	var ts [8]byte
	n := k.Bucket.UnixNano()
	for i := range ts {
		ts[i] = byte(n >> (8 * i))
	}
	_, _ = h.Write(ts[:])
	_, _ = h.WriteString(k.Service)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(k.Model)
	return a.shards[h.Sum64()%uint64(len(a.shards))]
}

// Observe folds spans into their rows. Spans whose bucket cannot be admitted
// are shed and counted.
func (a *Aggregator) Observe(spans []*span.Span) {
	for _, s := range spans {
		if s == nil {
			continue
		}
		key := Key{Bucket: a.BucketFor(s.StartTime), Service: s.ServiceName, Model: s.Model()}
		bucket := key.Bucket.UnixNano()

		a.bucketsMu.RLock()
		if _, ok := a.open[bucket]; ok {
			a.insert(key, s)
			a.bucketsMu.RUnlock()
			continue
		}
		a.bucketsMu.RUnlock()

		a.bucketsMu.Lock()
		if a.admitLocked(bucket) {
			a.insert(key, s)
		}
		a.bucketsMu.Unlock()
	}
	if a.rowCount.Load() > int64(a.cfg.MaxRows) {
		select {
		case a.flushReq <- struct{}{}:
		default:
		}
	}
}

func (a *Aggregator) insert(key Key, s *span.Span) {
	sh := a.shardFor(key)
	sh.mu.Lock()
	row, ok := sh.rows[key]
	if !ok {
		row = &Row{Key: key, TotalCost: decimal.Zero, Durations: NewReservoir(a.cfg.ReservoirSize)}
		sh.rows[key] = row
		a.rowCount.Add(1)
	}
	row.observe(s, sh.rng)
	sh.mu.Unlock()
	a.observed.Add(1)
}

// admitLocked opens bucket if there is room, shedding the oldest open bucket
// when it is older than bucket. Callers hold bucketsMu exclusively.
func (a *Aggregator) admitLocked(bucket int64) bool {
	if _, ok := a.open[bucket]; ok {
		return true
	}
	if len(a.open) < a.cfg.MaxOpenBuckets {
		a.open[bucket] = struct{}{}
		return true
	}
	oldest := int64(0)
	first := true
	for b := range a.open {
		if first || b < oldest {
			oldest = b
			first = false
		}
	}
	if bucket < oldest {
		a.shedSpans.Add(1)
		a.warnShed("late span for bucket older than every open bucket", bucket, 0, 1)
		return false
	}
	delete(a.open, oldest)
	removed := a.dropBucketLocked(oldest)
	a.warnShed("open bucket limit reached, dropping oldest bucket", oldest, removed, 0)
	a.open[bucket] = struct{}{}
	return true
}

func (a *Aggregator) dropBucketLocked(bucket int64) int64 {
	var removed int64
	for _, sh := range a.shards {
		sh.mu.Lock()
		for key := range sh.rows {
			if key.Bucket.UnixNano() == bucket {
				delete(sh.rows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	a.rowCount.Add(-removed)
	a.shedRows.Add(removed)
	return removed
}

func (a *Aggregator) warnShed(msg string, bucket, rows, spans int64) {
	if a.onShed != nil {
		a.onShed(rows, spans)
	}
	if a.warnLimit.Allow() {
		a.logger.Warn(msg,
			zap.Time("bucket", time.Unix(0, bucket).UTC()),
			zap.Int64("rows_shed", rows),
			zap.Int64("rows_shed_total", a.shedRows.Load()),
			zap.Int64("spans_shed_total", a.shedSpans.Load()),
			zap.Int("max_open_buckets", a.cfg.MaxOpenBuckets),
		)
	}
}

// Drain removes and returns every row, stamped with a fresh flush id and
// sorted by bucket, service and model.
func (a *Aggregator) Drain() []Row {
	a.bucketsMu.Lock()
	var rows []Row
	for _, sh := range a.shards {
		sh.mu.Lock()
		for _, row := range sh.rows {
			rows = append(rows, *row)
		}
		sh.rows = make(map[Key]*Row)
		sh.mu.Unlock()
	}
	a.open = make(map[int64]struct{}, a.cfg.MaxOpenBuckets)
	a.rowCount.Store(0)
	a.bucketsMu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	flushID := uuid.NewString()
	for i := range rows {
		rows[i].FlushID = flushID
	}
	SortRows(rows)
	return rows
}

// SortRows orders rows by bucket, service and model.
func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Bucket.Equal(rows[j].Bucket) {
			return rows[i].Bucket.Before(rows[j].Bucket)
		}
		if rows[i].Service != rows[j].Service {
			return rows[i].Service < rows[j].Service
		}
		return rows[i].Model < rows[j].Model
	})
}

// FlushRequested fires when the row count passes MaxRows.
func (a *Aggregator) FlushRequested() <-chan struct{} {
	return a.flushReq
}

func (a *Aggregator) OpenBuckets() int {
	a.bucketsMu.RLock()
	defer a.bucketsMu.RUnlock()
	return len(a.open)
}

// Buckets returns the distinct buckets currently holding rows.
func (a *Aggregator) Buckets() []time.Time {
	seen := make(map[int64]struct{})
	for _, sh := range a.shards {
		sh.mu.Lock()
		for key := range sh.rows {
			seen[key.Bucket.UnixNano()] = struct{}{}
		}
		sh.mu.Unlock()
	}
	out := make([]time.Time, 0, len(seen))
	for b := range seen {
		out = append(out, time.Unix(0, b).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

type Stats struct {
	Rows          int64 `json:"rows"`
	OpenBuckets   int   `json:"open_buckets"`
	SpansObserved int64 `json:"spans_observed"`
	RowsShed      int64 `json:"rows_shed"`
	SpansShed     int64 `json:"spans_shed"`
}

func (a *Aggregator) Stats() Stats {
	return Stats{
		Rows:          a.rowCount.Load(),
		OpenBuckets:   a.OpenBuckets(),
		SpansObserved: a.observed.Load(),
		RowsShed:      a.shedRows.Load(),
		SpansShed:     a.shedSpans.Load(),
	}
}
