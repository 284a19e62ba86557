package pipeline

import "time"

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// DiagnosticsReader exposes runtime queue and drop diagnostics.
type DiagnosticsReader interface {
	Diagnostics() Diagnostics
}

// Diagnostics captures queue pressure and drop signals.
type Diagnostics struct {
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	Workers                          int              `json:"workers"`
	BatchesAcceptedTotal             int64            `json:"batches_accepted_total"`
	BatchesProcessedTotal            int64            `json:"batches_processed_total"`
	BatchesRetriedTotal              int64            `json:"batches_retried_total"`
	BatchesDroppedTotal              int64            `json:"batches_dropped_total"`
	BatchesDiscardedTotal            int64            `json:"batches_discarded_total"`
	BackpressureTotal                int64            `json:"backpressure_total"`
	SpansInTotal                     int64            `json:"spans_in_total"`
	SpansOutTotal                    int64            `json:"spans_out_total"`
	SpansDroppedTotal                int64            `json:"spans_dropped_total"`
	LastDropAt                       *time.Time       `json:"last_drop_at,omitempty"`
	LastDropStage                    string           `json:"last_drop_stage,omitempty"`
	DropsByStage                     map[string]int64 `json:"drops_by_stage,omitempty"`
}

// Diagnostics returns a point-in-time snapshot of queue pressure and batch
// counters.
func (p *Pipeline) Diagnostics() Diagnostics {
	if p == nil {
		return Diagnostics{}
	}

	queueCapacity := cap(p.queue)
	queueDepth := len(p.queue)
	highWatermark := int(p.queueDepthHighWatermark.Load())
	if queueDepth > highWatermark {
		highWatermark = queueDepth
	}
	utilPct := queueUtilizationPct(queueDepth, queueCapacity)
	highWatermarkPct := queueUtilizationPct(highWatermark, queueCapacity)

	snapshot := Diagnostics{
		QueueCapacity:                    queueCapacity,
		QueueDepth:                       queueDepth,
		QueueDepthHighWatermark:          highWatermark,
		QueueUtilizationPct:              utilPct,
		QueueHighWatermarkUtilizationPct: highWatermarkPct,
		QueuePressureState:               queuePressureState(utilPct),
		QueueHighWatermarkPressureState:  queuePressureState(highWatermarkPct),
		Workers:                          p.cfg.NumWorkers,
		BatchesAcceptedTotal:             p.acceptedTotal.Load(),
		BatchesProcessedTotal:            p.processedTotal.Load(),
		BatchesRetriedTotal:              p.retriedTotal.Load(),
		BatchesDroppedTotal:              p.droppedTotal.Load(),
		BatchesDiscardedTotal:            p.discardedTotal.Load(),
		BackpressureTotal:                p.backpressureTotal.Load(),
		SpansInTotal:                     p.spansIn.Load(),
		SpansOutTotal:                    p.spansOut.Load(),
		SpansDroppedTotal:                p.spansDropped.Load(),
	}
	if ts := p.lastDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastDropAt = &last
	}
	if stage, ok := p.lastDropStage.Load().(string); ok {
		snapshot.LastDropStage = stage
	}

	p.dropsMu.Lock()
	if len(p.dropsByStage) > 0 {
		snapshot.DropsByStage = make(map[string]int64, len(p.dropsByStage))
		for stage, n := range p.dropsByStage {
			snapshot.DropsByStage[stage] = n
		}
	}
	p.dropsMu.Unlock()

	return snapshot
}

func (p *Pipeline) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	value := int64(depth)
	for {
		current := p.queueDepthHighWatermark.Load()
		if value <= current {
			return
		}
		if p.queueDepthHighWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
