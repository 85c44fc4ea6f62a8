// Package backpressure converts load metrics into a discrete level and a
// throttle factor used by the admission gate. The signal is a pure function
// of the latest sample; it is never authoritative state, only logged.
package backpressure

import (
	"log/slog"
	"sync"
)

// Level is the discrete backpressure level.
type Level string

const (
	// LevelNormal admits everything at full rate.
	LevelNormal Level = "normal"
	// LevelWarning throttles admission proportionally to load.
	LevelWarning Level = "warning"
	// LevelCritical pauses non-critical work.
	LevelCritical Level = "critical"
	// LevelOverload rejects all new admissions; the queue is at capacity.
	LevelOverload Level = "overload"
)

// Metrics is one load sample. Utilization fields are in [0,1].
type Metrics struct {
	QueueDepth    int
	QueueCapacity int
	CPUPercent    float64
	MemoryPercent float64
	ErrorRate     float64
}

// queueRatio returns depth/capacity, clamped to [0,1]. Zero capacity means
// the queue is unbounded and contributes no pressure.
func (m Metrics) queueRatio() float64 {
	if m.QueueCapacity <= 0 {
		return 0
	}
	r := float64(m.QueueDepth) / float64(m.QueueCapacity)
	if r > 1 {
		return 1
	}
	return r
}

// State is the derived backpressure decision for one sample.
type State struct {
	Level Level `json:"level"`
	// ThrottleFactor scales admission in [0,1]: 1 admits everything,
	// 0 admits nothing.
	ThrottleFactor float64 `json:"throttle_factor"`
	// PauseNonCritical is set at critical level and above.
	PauseNonCritical bool `json:"pause_non_critical"`
	// RejectAll is set only at overload.
	RejectAll bool `json:"reject_all"`
	// Score is the weighted load score the level was derived from.
	Score float64 `json:"score"`
}

// Score weights and level thresholds.
const (
	weightQueue  = 0.4
	weightCPU    = 0.2
	weightMemory = 0.2
	weightErrors = 0.2

	warningThreshold  = 0.7
	criticalThreshold = 0.9

	criticalFactor = 0.3
)

// Signal evaluates load samples. Level transitions are logged for audit and
// counted; everything else is derived per call.
type Signal struct {
	logger *slog.Logger

	mu          sync.Mutex
	lastLevel   Level
	transitions uint64
}

// NewSignal creates a Signal reporting transitions through logger.
func NewSignal(logger *slog.Logger) *Signal {
	return &Signal{logger: logger, lastLevel: LevelNormal}
}

// Evaluate maps one metrics sample to a State.
//
// The weighted score is 0.4*queue + 0.2*cpu + 0.2*memory + 0.2*errors.
// Below the warning threshold the factor is 1.0; across the warning band it
// interpolates linearly down to 0.3; at critical it is 0.3 with non-critical
// work paused; a full queue is overload and rejects everything.
func (s *Signal) Evaluate(m Metrics) State {
	score := weightQueue*m.queueRatio() +
		weightCPU*clamp01(m.CPUPercent) +
		weightMemory*clamp01(m.MemoryPercent) +
		weightErrors*clamp01(m.ErrorRate)

	st := State{Score: score}

	switch {
	case m.QueueCapacity > 0 && m.QueueDepth >= m.QueueCapacity:
		st.Level = LevelOverload
		st.ThrottleFactor = 0
		st.PauseNonCritical = true
		st.RejectAll = true
	case score >= criticalThreshold:
		st.Level = LevelCritical
		st.ThrottleFactor = criticalFactor
		st.PauseNonCritical = true
	case score >= warningThreshold:
		st.Level = LevelWarning
		// Linear interpolation from 1.0 at the warning threshold down
		// to criticalFactor at the critical threshold.
		span := (score - warningThreshold) / (criticalThreshold - warningThreshold)
		st.ThrottleFactor = 1.0 - span*(1.0-criticalFactor)
	default:
		st.Level = LevelNormal
		st.ThrottleFactor = 1.0
	}

	s.recordTransition(st.Level, score)
	return st
}

// Transitions returns how many level changes have been observed.
func (s *Signal) Transitions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions
}

func (s *Signal) recordTransition(level Level, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if level == s.lastLevel {
		return
	}
	s.transitions++
	s.logger.Info("backpressure level changed",
		slog.String("from", string(s.lastLevel)),
		slog.String("to", string(level)),
		slog.Float64("score", score),
	)
	s.lastLevel = level
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
