package deadletter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/idemflow/internal/runtime/metrics"
)

// Metrics tracks dead-letter traffic per original topic. A nil *Metrics
// records nothing.
type Metrics struct {
	mu     sync.RWMutex
	topics map[string]*TopicStats

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	attempts        *prometheus.HistogramVec
}

// TopicStats is the in-process view of one topic's dead letters.
type TopicStats struct {
	Received      uint64            `json:"received"`
	Current       uint64            `json:"current"`
	Replayed      uint64            `json:"replayed"`
	Purged        uint64            `json:"purged"`
	ByReason      map[string]uint64 `json:"by_reason"`
	OldestAt      time.Time         `json:"oldest_at,omitempty"`
	NewestAt      time.Time         `json:"newest_at,omitempty"`
	AvgAttempts   float64           `json:"avg_attempts"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
}

func (s *TopicStats) clone() *TopicStats {
	c := *s
	c.ByReason = make(map[string]uint64, len(s.ByReason))
	for k, v := range s.ByReason {
		c.ByReason[k] = v
	}
	return &c
}

// Snapshot is a point-in-time copy of all topics.
type Snapshot struct {
	Current     uint64                 `json:"current"`
	Replayed    uint64                 `json:"replayed"`
	Purged      uint64                 `json:"purged"`
	Topics      map[string]*TopicStats `json:"topics"`
	CollectedAt time.Time              `json:"collected_at"`
}

func dlqOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: metrics.Namespace, Subsystem: "dlq", Name: name, Help: help}
}

// NewMetrics registers the dead-letter collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{topics: make(map[string]*TopicStats)}
	var err error

	if m.messagesTotal, err = metrics.Register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts(dlqOpts("messages_total", "Messages sent to the dead letter topic")),
		[]string{"topic", "reason"})); err != nil {
		return nil, err
	}
	if m.messagesCurrent, err = metrics.Register(reg, prometheus.NewGaugeVec(
		prometheus.GaugeOpts(dlqOpts("messages_current", "Dead letters not yet replayed or purged")),
		[]string{"topic"})); err != nil {
		return nil, err
	}
	if m.replayedTotal, err = metrics.Register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts(dlqOpts("replayed_total", "Dead letters replayed to their original topic")),
		[]string{"topic"})); err != nil {
		return nil, err
	}
	if m.purgedTotal, err = metrics.Register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts(dlqOpts("purged_total", "Dead letters purged")),
		[]string{"topic"})); err != nil {
		return nil, err
	}
	if m.attempts, err = metrics.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "dlq",
		Name:      "attempts",
		Help:      "Delivery attempts before a message was dead-lettered",
		Buckets:   []float64{1, 2, 3, 5, 10, 20},
	}, []string{"topic"})); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordEntry counts a newly dead-lettered message.
func (m *Metrics) RecordEntry(e Entry) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := m.topic(e.OriginalTopic)
	stats.Received++
	stats.Current++
	stats.ByReason[string(e.Reason)]++
	if stats.OldestAt.IsZero() {
		stats.OldestAt = e.FailedAt
	}
	stats.NewestAt = e.FailedAt
	stats.AvgAttempts += (float64(e.Attempt) - stats.AvgAttempts) / float64(stats.Received)
	stats.LastUpdatedAt = now

	m.messagesTotal.WithLabelValues(e.OriginalTopic, string(e.Reason)).Inc()
	m.messagesCurrent.WithLabelValues(e.OriginalTopic).Set(float64(stats.Current))
	m.attempts.WithLabelValues(e.OriginalTopic).Observe(float64(e.Attempt))
}

// RecordReplayed counts n dead letters moved back to topic.
func (m *Metrics) RecordReplayed(topic string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.topic(topic)
	stats.Replayed += uint64(n)
	stats.Current = decrement(stats.Current, uint64(n))
	stats.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(topic).Add(float64(n))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(stats.Current))
}

// RecordPurged counts n dead letters deleted for topic.
func (m *Metrics) RecordPurged(topic string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.topic(topic)
	stats.Purged += uint64(n)
	stats.Current = decrement(stats.Current, uint64(n))
	stats.LastUpdatedAt = time.Now()

	m.purgedTotal.WithLabelValues(topic).Add(float64(n))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(stats.Current))
}

// SetCurrent syncs the gauge with a count read from the queue itself.
func (m *Metrics) SetCurrent(topic string, n int64) {
	if m == nil || n < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.topic(topic)
	stats.Current = uint64(n)
	stats.LastUpdatedAt = time.Now()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(n))
}

// Topic returns a copy of the stats for topic, or nil.
func (m *Metrics) Topic(topic string) *TopicStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if stats, ok := m.topics[topic]; ok {
		return stats.clone()
	}
	return nil
}

// Snapshot copies every topic's stats.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Topics: make(map[string]*TopicStats), CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for topic, stats := range m.topics {
		snap.Topics[topic] = stats.clone()
		snap.Current += stats.Current
		snap.Replayed += stats.Replayed
		snap.Purged += stats.Purged
	}
	return snap
}

func (m *Metrics) topic(name string) *TopicStats {
	if stats, ok := m.topics[name]; ok {
		return stats
	}
	stats := &TopicStats{ByReason: make(map[string]uint64)}
	m.topics[name] = stats
	return stats
}

func decrement(v, n uint64) uint64 {
	if v < n {
		return 0
	}
	return v - n
}
