package pagespeed

import "time"

// Strategy selects the device profile the measurement API emulates.
// Schedules store one strategy; the runner may override it per run.
const (
	StrategyMobile  = "mobile"
	StrategyDesktop = "desktop"
)

// Coverage tags where field data in a result came from.
type Coverage string

const (
	CoverageURL    Coverage = "url"    // real-user data for the exact URL
	CoverageOrigin Coverage = "origin" // origin-wide fallback
	CoverageNone   Coverage = "none"   // no field data available
)

// Metrics is the normalized result of one measurement call.
//
// Pointer fields are nil when the vendor payload did not include the metric.
// Absent is never coerced to zero.
type Metrics struct {
	Target    string    `json:"target"`
	Strategy  string    `json:"strategy"`
	FetchedAt time.Time `json:"fetched_at"`

	Lab   LabMetrics   `json:"lab"`
	Field FieldMetrics `json:"field"`

	ReportURL string `json:"report_url,omitempty"`
}

// LabMetrics are synthetic (lab) measurements from a single emulated load.
type LabMetrics struct {
	// PerformanceScore is the overall 0-100 category score.
	PerformanceScore *int     `json:"performance_score,omitempty"`
	LCPMillis        *float64 `json:"lcp_ms,omitempty"`
	TBTMillis        *float64 `json:"tbt_ms,omitempty"`
	CLS              *float64 `json:"cls,omitempty"`
	FCPMillis        *float64 `json:"fcp_ms,omitempty"`
	TTFBMillis       *float64 `json:"ttfb_ms,omitempty"`
}

// FieldMetrics are real-user percentiles, when the vendor has them.
type FieldMetrics struct {
	LCPPercentileMillis *float64 `json:"lcp_p75_ms,omitempty"`
	CLSPercentile       *float64 `json:"cls_p75,omitempty"`
	Coverage            Coverage `json:"coverage"`
}
