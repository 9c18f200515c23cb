package lagcomp

import (
	"sync"
	"time"

	"termarena/server/internal/game"
)

// maxExtrapolation caps dead-reckoning so a silent peer never glides far
// from its last known state.
const maxExtrapolation = 200 * time.Millisecond

// errorWindow bounds the rolling prediction-error average.
const errorWindow = 100

// CompensatorConfig toggles and tunes the latency-hiding subsystems.
type CompensatorConfig struct {
	PredictionEnabled    bool
	ReconciliationConfig ReconcilerConfig
	InterpolationDelay   time.Duration
	InterpolationBuffer  int
	PredictionBuffer     int
	MaxExtrapolation     time.Duration
}

// DefaultCompensatorConfig returns the production tuning.
func DefaultCompensatorConfig() CompensatorConfig {
	return CompensatorConfig{
		PredictionEnabled: true,
		ReconciliationConfig: ReconcilerConfig{
			HistoryDuration: time.Second,
			MaxRewind:       500 * time.Millisecond,
			InputTolerance:  10,
		},
		InterpolationDelay:  100 * time.Millisecond,
		InterpolationBuffer: 10,
		PredictionBuffer:    120,
		MaxExtrapolation:    maxExtrapolation,
	}
}

// Stats summarises compensation quality for diagnostics.
type Stats struct {
	MeanPredictionError float64 `json:"mean_prediction_error"`
	ErrorSamples        int     `json:"error_samples"`
	HitsValid           uint64  `json:"hits_valid"`
	HitsRejected        uint64  `json:"hits_rejected"`
}

// Compensator composes prediction, reconciliation, and interpolation behind
// one explicitly constructed facade.
type Compensator struct {
	cfg CompensatorConfig

	Predictor    *Predictor
	Reconciler   *Reconciler
	Interpolator *Interpolator

	mu           sync.Mutex
	errors       []float64
	hitsValid    uint64
	hitsRejected uint64
}

// NewCompensator wires the three subsystems from one configuration.
func NewCompensator(cfg CompensatorConfig, opts ...ReconcilerOption) *Compensator {
	if cfg.MaxExtrapolation <= 0 {
		cfg.MaxExtrapolation = maxExtrapolation
	}
	return &Compensator{
		cfg:          cfg,
		Predictor:    NewPredictor(cfg.PredictionBuffer),
		Reconciler:   NewReconciler(cfg.ReconciliationConfig, opts...),
		Interpolator: NewInterpolator(cfg.InterpolationDelay, cfg.InterpolationBuffer),
	}
}

// Predict runs local prediction when enabled; otherwise it returns the last
// corrected position untouched.
func (c *Compensator) Predict(seq uint64, input game.Vec2, delta float64, at time.Time) game.Vec2 {
	if !c.cfg.PredictionEnabled {
		return c.Predictor.CorrectedPosition()
	}
	return c.Predictor.Predict(seq, input, delta, at)
}

// Confirm feeds an authoritative correction into the predictor and folds the
// measured error into the rolling average.
func (c *Compensator) Confirm(seq uint64, position, velocity game.Vec2) {
	c.Predictor.Confirm(seq, position, velocity)
	c.mu.Lock()
	c.errors = append(c.errors, c.Predictor.LastError())
	if len(c.errors) > errorWindow {
		c.errors = c.errors[len(c.errors)-errorWindow:]
	}
	c.mu.Unlock()
}

// VerifyHit rewinds and tests the shot, counting the outcome.
func (c *Compensator) VerifyHit(targetID string, shotAt time.Time, point game.Vec2) HitResult {
	result := c.Reconciler.VerifyHit(targetID, shotAt, point)
	c.mu.Lock()
	if result.Valid {
		c.hitsValid++
	} else {
		c.hitsRejected++
	}
	c.mu.Unlock()
	return result
}

// Extrapolate dead-reckons a position forward by the latency, capped so
// stale estimates never run away.
func (c *Compensator) Extrapolate(position, velocity game.Vec2, latency time.Duration) game.Vec2 {
	if latency <= 0 {
		return position
	}
	if latency > c.cfg.MaxExtrapolation {
		latency = c.cfg.MaxExtrapolation
	}
	return position.Add(velocity.Scale(latency.Seconds()))
}

// Stats reports the rolling prediction error mean and hit counters.
func (c *Compensator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		ErrorSamples: len(c.errors),
		HitsValid:    c.hitsValid,
		HitsRejected: c.hitsRejected,
	}
	if len(c.errors) > 0 {
		var sum float64
		for _, e := range c.errors {
			sum += e
		}
		stats.MeanPredictionError = sum / float64(len(c.errors))
	}
	return stats
}
