package metricstore

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/metric"
)

// Config holds the targets the summary is measured against
type Config struct {
	TargetLatency   time.Duration
	DetectionTarget float64 // fraction, 0.95 means 95%
}

// DefaultConfig returns the 30s latency and 95% detection targets
func DefaultConfig() Config {
	return Config{TargetLatency: 30 * time.Second, DetectionTarget: 0.95}
}

// Summary aggregates successful processing records and detections
type Summary struct {
	AvgTimeMs             float64          `json:"avgTimeMs"`
	MinTimeMs             float64          `json:"minTimeMs"`
	MaxTimeMs             float64          `json:"maxTimeMs"`
	P50TimeMs             float64          `json:"p50TimeMs"`
	P95TimeMs             float64          `json:"p95TimeMs"`
	TotalProcessed        int              `json:"totalProcessed"`
	WithinTargetCount     int              `json:"withinTargetCount"`
	ComplianceRatePercent float64          `json:"complianceRatePercent"`
	TargetMs              int64            `json:"targetMs"`
	Detection             DetectionSummary `json:"detection"`
}

// DetectionSummary reports detection accuracy against its target
type DetectionSummary struct {
	Total           int     `json:"total"`
	Successful      int     `json:"successful"`
	AccuracyPercent float64 `json:"accuracyPercent"`
	TargetPercent   float64 `json:"targetPercent"`
}

// Recorder writes metric rows to a Store and mirrors them into Prometheus.
type Recorder struct {
	store   Store
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder creates a recorder. metrics may be nil.
func NewRecorder(store Store, cfg Config, metrics *metric.Metrics, logger *slog.Logger) *Recorder {
	if store == nil {
		store = NewMemoryStore()
	}
	def := DefaultConfig()
	if cfg.TargetLatency <= 0 {
		cfg.TargetLatency = def.TargetLatency
	}
	if cfg.DetectionTarget <= 0 {
		cfg.DetectionTarget = def.DetectionTarget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "metricstore"),
		now:     time.Now,
	}
}

// Target returns the end-to-end latency target
func (r *Recorder) Target() time.Duration { return r.cfg.TargetLatency }

// RecordStage appends one stage attempt. DurationMs is derived from the
// timestamps when unset.
func (r *Recorder) RecordStage(ctx context.Context, m StageMetric) error {
	if m.DocumentID == 0 || m.Stage == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Recorder", "RecordStage", "document id and stage are required")
	}
	if m.CompletedAt.IsZero() {
		m.CompletedAt = r.now()
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = m.CompletedAt
	}
	if m.DurationMs == 0 {
		m.DurationMs = m.CompletedAt.Sub(m.StartedAt).Milliseconds()
	}

	if r.metrics != nil {
		r.metrics.StageDuration.WithLabelValues(string(m.Stage), outcome(m.Success)).
			Observe(m.CompletedAt.Sub(m.StartedAt).Seconds())
	}
	if err := r.store.AppendStage(ctx, m); err != nil {
		r.logger.Warn("Failed to record stage metric",
			"document_id", m.DocumentID, "stage", m.Stage, "error", err)
		return err
	}
	return nil
}

// RecordProcessing appends the end-to-end record for a document and tags
// whether it met the latency target.
func (r *Recorder) RecordProcessing(ctx context.Context, rec ProcessingRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.now()
	}
	rec.WithinTarget = rec.DurationMs <= r.cfg.TargetLatency.Milliseconds()

	if r.metrics != nil {
		o := outcome(rec.Success)
		r.metrics.ProcessingDuration.WithLabelValues(o).
			Observe((time.Duration(rec.DurationMs) * time.Millisecond).Seconds())
		r.metrics.DocumentsProcessed.WithLabelValues(o, strconv.FormatBool(rec.WithinTarget)).Inc()
	}
	if !rec.WithinTarget {
		r.logger.Warn("Document exceeded latency target",
			"document_id", rec.DocumentID, "duration_ms", rec.DurationMs,
			"target_ms", r.cfg.TargetLatency.Milliseconds())
	}
	if err := r.store.AppendProcessing(ctx, rec); err != nil {
		r.logger.Warn("Failed to record processing time", "document_id", rec.DocumentID, "error", err)
		return err
	}
	return nil
}

// RecordDetection appends a detection outcome for a user
func (r *Recorder) RecordDetection(ctx context.Context, userID string, success bool, reason string) error {
	if r.metrics != nil {
		r.metrics.Detections.WithLabelValues(strconv.FormatBool(success)).Inc()
	}
	d := Detection{UserID: userID, Success: success, Reason: reason, RecordedAt: r.now()}
	if err := r.store.AppendDetection(ctx, d); err != nil {
		r.logger.Warn("Failed to record detection", "user_id", userID, "error", err)
		return err
	}
	return nil
}

// Stages lists a document's stage attempts in order
func (r *Recorder) Stages(ctx context.Context, documentID int64) ([]StageMetric, error) {
	return r.store.ListStages(ctx, documentID)
}

// ProcessingTimes lists the newest processing records
func (r *Recorder) ProcessingTimes(ctx context.Context, limit int) ([]ProcessingRecord, error) {
	return r.store.ListProcessing(ctx, limit)
}

// Summary aggregates all successful processing records. Timing fields are
// zero when nothing has completed yet.
func (r *Recorder) Summary(ctx context.Context) (*Summary, error) {
	records, err := r.store.ListProcessing(ctx, 0)
	if err != nil {
		return nil, err
	}
	total, successful, err := r.store.DetectionCounts(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		TargetMs: r.cfg.TargetLatency.Milliseconds(),
		Detection: DetectionSummary{
			Total:         total,
			Successful:    successful,
			TargetPercent: round2(r.cfg.DetectionTarget * 100),
		},
	}
	if total > 0 {
		s.Detection.AccuracyPercent = round2(float64(successful) / float64(total) * 100)
	}

	durations := make(stats.Float64Data, 0, len(records))
	for _, rec := range records {
		if !rec.Success {
			continue
		}
		durations = append(durations, float64(rec.DurationMs))
		if rec.WithinTarget {
			s.WithinTargetCount++
		}
	}
	s.TotalProcessed = len(durations)
	if s.TotalProcessed == 0 {
		return s, nil
	}

	mean, _ := durations.Mean()
	lo, _ := durations.Min()
	hi, _ := durations.Max()
	p50, _ := durations.Median()
	// Percentile rejects samples too small to place the 95th rank.
	p95, err := durations.Percentile(95)
	if err != nil {
		p95 = hi
	}

	s.AvgTimeMs = round2(mean)
	s.MinTimeMs = lo
	s.MaxTimeMs = hi
	s.P50TimeMs = round2(p50)
	s.P95TimeMs = round2(p95)
	s.ComplianceRatePercent = round2(float64(s.WithinTargetCount) / float64(s.TotalProcessed) * 100)
	return s, nil
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
