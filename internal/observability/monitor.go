// Package observability tracks append and query latency, throughput and
// errors over a rolling window, classifies store health, and mirrors the
// samples into OpenTelemetry instruments.
package observability

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Health is the store's overall condition.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Critical Health = "critical"
)

// Operation names.
const (
	OpAppend = "append"
	OpQuery  = "query"
)

// MeterName is the instrumentation scope of the monitor's instruments.
const MeterName = "github.com/arkilian/eventlog"

// Config configures the monitor's window and health thresholds.
type Config struct {
	Window     time.Duration `yaml:"window" json:"window"`
	MaxSamples int           `yaml:"max_samples" json:"max_samples"`

	AppendDegraded time.Duration `yaml:"append_p99_degraded" json:"append_p99_degraded"`
	AppendCritical time.Duration `yaml:"append_p99_critical" json:"append_p99_critical"`
	QueryDegraded  time.Duration `yaml:"query_p99_degraded" json:"query_p99_degraded"`

	// MinThroughput is the events/sec floor below which a writer with a
	// backlog counts as degraded.
	MinThroughput float64 `yaml:"min_throughput" json:"min_throughput"`
	// CriticalErrorRatio is the error fraction above which health is critical.
	CriticalErrorRatio float64 `yaml:"critical_error_ratio" json:"critical_error_ratio"`
}

// DefaultConfig returns the default window and thresholds.
func DefaultConfig() Config {
	return Config{
		Window:             60 * time.Second,
		MaxSamples:         10000,
		AppendDegraded:     10 * time.Millisecond,
		AppendCritical:     50 * time.Millisecond,
		QueryDegraded:      50 * time.Millisecond,
		MinThroughput:      10000,
		CriticalErrorRatio: 0.05,
	}
}

// LatencyStats summarizes one operation's latency within the window.
type LatencyStats struct {
	Count int           `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
	Max   time.Duration `json:"max"`
}

// Status is a point-in-time view of the window.
type Status struct {
	Health     Health        `json:"health"`
	Reasons    []string      `json:"reasons,omitempty"`
	Append     LatencyStats  `json:"append"`
	Query      LatencyStats  `json:"query"`
	Throughput float64       `json:"throughput_eps"`
	Events     int64         `json:"events"`
	Errors     int64         `json:"errors"`
	ErrorRatio float64       `json:"error_ratio"`
	Backlog    int           `json:"backlog"`
	Window     time.Duration `json:"window"`
	HotFilters []FilterStats `json:"hot_filters,omitempty"`
}

type sample struct {
	at      time.Time
	latency time.Duration
}

type countSample struct {
	at time.Time
	n  int64
}

// ring keeps at most cap samples, oldest first.
type ring struct {
	buf   []sample
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]sample, capacity)}
}

func (r *ring) push(s sample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) expire(before time.Time) {
	for r.n > 0 && r.buf[r.start].at.Before(before) {
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
}

func (r *ring) latencies() []time.Duration {
	out := make([]time.Duration, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)].latency
	}
	return out
}

// Monitor aggregates samples. It only observes; it never changes how the
// store behaves.
type Monitor struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	ops     map[string]*ring
	events  []countSample
	errors  []countSample
	backlog func() int
	last    Health

	queries *QueryStats

	appendHist   metric.Float64Histogram
	queryHist    metric.Float64Histogram
	eventsCtr    metric.Int64Counter
	errorsCtr    metric.Int64Counter
	backlogObs   metric.Int64ObservableGauge
	registration metric.Registration
}

// NewMonitor creates a monitor that registers its instruments with the
// global OpenTelemetry meter provider.
func NewMonitor(cfg Config, logger *zap.Logger) (*Monitor, error) {
	return NewMonitorWithMeter(cfg, otel.Meter(MeterName), logger)
}

// NewMonitorWithMeter creates a monitor using meter for its instruments.
func NewMonitorWithMeter(cfg Config, meter metric.Meter, logger *zap.Logger) (*Monitor, error) {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		cfg:     cfg,
		logger:  logger.Named("monitor"),
		now:     time.Now,
		ops:     map[string]*ring{OpAppend: newRing(cfg.MaxSamples), OpQuery: newRing(cfg.MaxSamples)},
		queries: NewQueryStats(cfg.Window),
		last:    Healthy,
	}

	var err error
	buckets := metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1)
	if m.appendHist, err = meter.Float64Histogram("eventlog.append.duration",
		metric.WithDescription("Append latency including fsync"),
		metric.WithUnit("s"), buckets); err != nil {
		return nil, err
	}
	if m.queryHist, err = meter.Float64Histogram("eventlog.query.duration",
		metric.WithDescription("Query latency"),
		metric.WithUnit("s"), buckets); err != nil {
		return nil, err
	}
	if m.eventsCtr, err = meter.Int64Counter("eventlog.events.appended",
		metric.WithDescription("Events durably appended"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.errorsCtr, err = meter.Int64Counter("eventlog.errors",
		metric.WithDescription("Failed append and query operations"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.backlogObs, err = meter.Int64ObservableGauge("eventlog.writer.backlog",
		metric.WithDescription("Append requests waiting for the group commit"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.backlogObs, int64(m.currentBacklog()))
		return nil
	}, m.backlogObs); err != nil {
		return nil, err
	}
	return m, nil
}

// SetClock replaces the monitor's time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.queries.now = now
	m.mu.Unlock()
}

// SetBacklog sets the function reporting the writer backlog.
func (m *Monitor) SetBacklog(fn func() int) {
	m.mu.Lock()
	m.backlog = fn
	m.mu.Unlock()
}

func (m *Monitor) currentBacklog() int {
	m.mu.Lock()
	fn := m.backlog
	m.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// RecordAppend records one append call carrying events events.
func (m *Monitor) RecordAppend(latency time.Duration, events int, err error) {
	ctx := context.Background()
	m.mu.Lock()
	now := m.now()
	m.ops[OpAppend].push(sample{at: now, latency: latency})
	if err != nil {
		m.errors = append(m.errors, countSample{at: now, n: 1})
	} else {
		m.events = append(m.events, countSample{at: now, n: int64(events)})
	}
	m.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("op", OpAppend))
	m.appendHist.Record(ctx, latency.Seconds(), attrs)
	if err != nil {
		m.errorsCtr.Add(ctx, 1, attrs)
		return
	}
	m.eventsCtr.Add(ctx, int64(events))
}

// RecordQuery records one read of the given kind ("by_id", "range",
// "by_type", "replay"). filter is the event type, if any.
func (m *Monitor) RecordQuery(kind, filter string, latency time.Duration, err error) {
	ctx := context.Background()
	m.mu.Lock()
	now := m.now()
	m.ops[OpQuery].push(sample{at: now, latency: latency})
	if err != nil {
		m.errors = append(m.errors, countSample{at: now, n: 1})
	}
	m.mu.Unlock()
	m.queries.Record(kind, filter)

	attrs := metric.WithAttributes(attribute.String("op", OpQuery), attribute.String("kind", kind))
	m.queryHist.Record(ctx, latency.Seconds(), attrs)
	if err != nil {
		m.errorsCtr.Add(ctx, 1, attrs)
	}
}

func expireCounts(s []countSample, before time.Time) []countSample {
	i := 0
	for i < len(s) && s[i].at.Before(before) {
		i++
	}
	return s[i:]
}

func sum(s []countSample) int64 {
	var n int64
	for _, c := range s {
		n += c.n
	}
	return n
}

// Status computes the current window summary and health.
func (m *Monitor) Status() Status {
	backlog := m.currentBacklog()

	m.mu.Lock()
	now := m.now()
	cutoff := now.Add(-m.cfg.Window)
	for _, r := range m.ops {
		r.expire(cutoff)
	}
	m.events = expireCounts(m.events, cutoff)
	m.errors = expireCounts(m.errors, cutoff)

	st := Status{
		Append:  summarize(m.ops[OpAppend].latencies()),
		Query:   summarize(m.ops[OpQuery].latencies()),
		Events:  sum(m.events),
		Errors:  sum(m.errors),
		Backlog: backlog,
		Window:  m.cfg.Window,
	}
	m.mu.Unlock()

	st.Throughput = float64(st.Events) / m.cfg.Window.Seconds()
	if total := int64(st.Append.Count + st.Query.Count); total > 0 {
		st.ErrorRatio = float64(st.Errors) / float64(total)
	}
	st.HotFilters = m.queries.Top(5)
	st.Health, st.Reasons = m.classify(st)

	m.mu.Lock()
	prev := m.last
	m.last = st.Health
	m.mu.Unlock()
	if prev != st.Health {
		m.logger.Warn("health changed",
			zap.String("from", string(prev)),
			zap.String("to", string(st.Health)),
			zap.Strings("reasons", st.Reasons))
	}
	return st
}

func (m *Monitor) classify(st Status) (Health, []string) {
	var critical, degraded []string
	if m.cfg.AppendCritical > 0 && st.Append.P99 > m.cfg.AppendCritical {
		critical = append(critical, "append p99 above critical threshold")
	}
	if m.cfg.CriticalErrorRatio > 0 && st.ErrorRatio > m.cfg.CriticalErrorRatio {
		critical = append(critical, "error ratio above critical threshold")
	}
	if len(critical) > 0 {
		return Critical, critical
	}
	if m.cfg.AppendDegraded > 0 && st.Append.P99 > m.cfg.AppendDegraded {
		degraded = append(degraded, "append p99 above target")
	}
	if m.cfg.QueryDegraded > 0 && st.Query.P99 > m.cfg.QueryDegraded {
		degraded = append(degraded, "query p99 above target")
	}
	if st.Backlog > 0 && st.Throughput < m.cfg.MinThroughput {
		degraded = append(degraded, "throughput below target with writer backlog")
	}
	if len(degraded) > 0 {
		return Degraded, degraded
	}
	return Healthy, nil
}

// Prune drops query statistics older than the window.
func (m *Monitor) Prune() {
	m.queries.Prune()
}

// Close unregisters the backlog callback.
func (m *Monitor) Close() error {
	if m.registration != nil {
		return m.registration.Unregister()
	}
	return nil
}

func summarize(lat []time.Duration) LatencyStats {
	if len(lat) == 0 {
		return LatencyStats{}
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	return LatencyStats{
		Count: len(lat),
		P50:   percentile(lat, 0.50),
		P95:   percentile(lat, 0.95),
		P99:   percentile(lat, 0.99),
		P999:  percentile(lat, 0.999),
		Max:   lat[len(lat)-1],
	}
}

// percentile returns the nearest-rank percentile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)) - 1e-9))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
