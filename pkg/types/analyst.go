package types

import "time"

// FeaturePack is the compact, closed-schema bundle of evidence sent to an
// Analyst. Metadata values are restricted to JSON primitives at the
// boundary (spec §9: "dynamic typing" sources are replaced with tagged
// structures and schema checks at boundaries).
type FeaturePack struct {
	Symbol     string                       `json:"symbol"`
	Timeframe  Timeframe                    `json:"timeframe"`
	Bars       []Bar                        `json:"bars"`
	Indicators map[Timeframe]IndicatorSnapshot `json:"indicators"`
	Patterns   []Pattern                    `json:"patterns"`
	Regime     Regime                       `json:"regime"`
	PolicyTag  RouterPolicy                 `json:"policy_tag"`
}

// AnalysisRequest is the Router's Route(...) input.
type AnalysisRequest struct {
	Symbol      string
	Timeframe   Timeframe
	Features    FeaturePack
	PolicyTag   RouterPolicy
}

// AnalystVerdict is one analyst's call on a FeaturePack. Missing values are
// permitted by the pool contract — §4.4 defines fallback handling.
type AnalystVerdict struct {
	AnalystID     string        `json:"analyst_id"`
	Sentiment     Sentiment     `json:"sentiment"`
	Confidence    float64       `json:"confidence"` // [0,1]
	RationaleText string        `json:"rationale_text"`
	Latency       time.Duration `json:"latency"`
	TokenCost     int           `json:"token_cost"`
	ProducedAt    time.Time     `json:"produced_at"`
	Cached        bool          `json:"cached"`
}

// AnalystProfile is the Router's measured view of one pool member.
type AnalystProfile struct {
	AnalystID     string        `json:"analyst_id"`
	SuccessRate   float64       `json:"success_rate"`
	P50Latency    time.Duration `json:"p50_latency"`
	P95Latency    time.Duration `json:"p95_latency"`
	CostPerToken  float64       `json:"cost_per_token"`
	Capacity      int           `json:"capacity"`
}
