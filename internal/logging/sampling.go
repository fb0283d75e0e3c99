package logging

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap/zapcore"
)

var (
	sampledOutOnce sync.Once
	sampledOut     *prometheus.CounterVec
)

// sampledOutCounter counts entries the sampler dropped, by level.
func sampledOutCounter() *prometheus.CounterVec {
	sampledOutOnce.Do(func() {
		sampledOut = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgeloop",
			Subsystem: "logging",
			Name:      "sampled_out_total",
			Help:      "Log entries dropped by sampling",
		}, []string{"level"})
	})
	return sampledOut
}

// newSampledCore samples entries below cfg.Floor. Collaborator fallbacks log
// at warn, so with the default floor they are never sampled away.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	counter := sampledOutCounter()
	hook := zapcore.SamplerHook(func(ent zapcore.Entry, dec zapcore.SamplingDecision) {
		if dec&zapcore.LogDropped != 0 {
			counter.WithLabelValues(levelName(ent.Level)).Inc()
		}
	})

	kept := levelBand{Core: core, lo: cfg.Floor, hi: zapcore.FatalLevel}
	noisy := levelBand{Core: core, lo: TraceLevel, hi: cfg.Floor - 1}
	return zapcore.NewTee(&kept,
		zapcore.NewSamplerWithOptions(&noisy, cfg.Tick, cfg.Initial, cfg.Thereafter, hook))
}

func levelName(l zapcore.Level) string {
	if l == TraceLevel {
		return "trace"
	}
	return l.String()
}

// levelBand admits levels in [lo, hi].
type levelBand struct {
	zapcore.Core
	lo, hi zapcore.Level
}

func (b *levelBand) Enabled(l zapcore.Level) bool {
	return l >= b.lo && l <= b.hi && b.Core.Enabled(l)
}

func (b *levelBand) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !b.Enabled(e.Level) {
		return ce
	}
	return b.Core.Check(e, ce)
}

func (b *levelBand) With(fields []zapcore.Field) zapcore.Core {
	return &levelBand{Core: b.Core.With(fields), lo: b.lo, hi: b.hi}
}
