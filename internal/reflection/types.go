package reflection

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/config"
	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/performance"
)

// Overall health values reported by the LLM.
const (
	HealthExcellent = "excellent"
	HealthGood      = "good"
	HealthFair      = "fair"
	HealthPoor      = "poor"

	// HealthUnknown marks the fallback report.
	HealthUnknown = "unknown"
)

// Insight types written by a pass.
const (
	InsightImprovementPriority = "improvement_priority"
	InsightLowSuccessRate      = "low_success_rate"
	InsightSlowPerformance     = "slow_performance"
)

// Metric is a numeric report value. The LLM sometimes quotes numbers or
// writes percentages, so "0.6", "60%" and 0.6 all decode to 0.6.
// Anything else decodes to 0.
type Metric float64

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*m = Metric(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*m = 0
		return nil
	}
	s = strings.TrimSpace(s)
	percent := strings.HasSuffix(s, "%")
	f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
	if err != nil {
		*m = 0
		return nil
	}
	if percent {
		f /= 100
	}
	*m = Metric(f)
	return nil
}

// ImprovementPriority is one area the report wants improved.
type ImprovementPriority struct {
	Area              string `json:"area"`
	CurrentMetric     Metric `json:"current_metric"`
	TargetMetric      Metric `json:"target_metric"`
	RecommendedAction string `json:"recommended_action"`
	// Impact and Effort are low, medium or high.
	Impact string `json:"impact,omitempty"`
	Effort string `json:"effort,omitempty"`
}

// Report is the health report of a pass.
type Report struct {
	OverallHealth         string                `json:"overall_health"`
	Message               string                `json:"message,omitempty"`
	Strengths             []string              `json:"strengths,omitempty"`
	Weaknesses            []string              `json:"weaknesses,omitempty"`
	ImprovementPriorities []ImprovementPriority `json:"improvement_priorities,omitempty"`
	LearningEffectiveness string                `json:"learning_effectiveness,omitempty"`
	Recommendations       []string              `json:"recommendations,omitempty"`
}

// FallbackReport is returned when the LLM cannot produce a report.
func FallbackReport() Report {
	return Report{
		OverallHealth: HealthUnknown,
		Message:       "Unable to perform reflection",
	}
}

// Insight is an insight created by a pass.
type Insight struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Impact      float64   `json:"impact"`
	Priority    int       `json:"priority"`
	Area        string    `json:"area"`
	CreatedAt   time.Time `json:"created_at"`
}

// PassResult describes a completed pass.
type PassResult struct {
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Window     time.Duration            `json:"window"`
	Operations []performance.Aggregate  `json:"operations"`
	Learning   []learning.CategoryStats `json:"learning"`
	Report     Report                   `json:"report"`
	// Fallback is true when Report is FallbackReport.
	Fallback bool `json:"fallback"`
	// Insights lists the insights this pass created. Insights that already
	// existed are not repeated.
	Insights []Insight `json:"insights"`
}

// Config configures the engine.
type Config struct {
	// Window is the trailing aggregation window (default: 7 days)
	Window time.Duration

	// SuccessThreshold flags operation types below this success rate (default: 0.7)
	SuccessThreshold float64

	// SlowThreshold flags operation types slower than this on average (default: 30s)
	SlowThreshold time.Duration

	// ReportTimeout bounds the LLM call (default: 60s)
	ReportTimeout time.Duration

	// Temperature for the report (default: 0.4)
	Temperature float64
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Window:           7 * 24 * time.Hour,
		SuccessThreshold: 0.7,
		SlowThreshold:    30 * time.Second,
		ReportTimeout:    60 * time.Second,
		Temperature:      0.4,
	}
}

// ConfigFrom builds a Config from the reflection section, keeping defaults
// for unset values.
func ConfigFrom(c config.ReflectionConfig) *Config {
	cfg := DefaultConfig()
	cfg.Window = c.Window.Or(cfg.Window)
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}
	cfg.SlowThreshold = c.SlowThreshold.Or(cfg.SlowThreshold)
	return cfg
}
