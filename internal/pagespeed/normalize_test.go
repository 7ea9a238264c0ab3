package pagespeed

import (
	"encoding/json"
	"testing"
)

func TestNormalizePartialPayloadKeepsAbsentMetricsAbsent(t *testing.T) {
	t.Parallel()
	raw := `{
		"lighthouseResult": {
			"categories": {"performance": {"score": 0.5}},
			"audits": {
				"largest-contentful-paint": {"numericValue": 4000}
			}
		}
	}`
	var v vendorResponse
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	m := normalize(&v, "https://example.com/", StrategyDesktop)
	if m.Lab.PerformanceScore == nil || *m.Lab.PerformanceScore != 50 {
		t.Errorf("PerformanceScore = %v, want 50", m.Lab.PerformanceScore)
	}
	if m.Lab.LCPMillis == nil || *m.Lab.LCPMillis != 4000 {
		t.Errorf("LCPMillis = %v, want 4000", m.Lab.LCPMillis)
	}
	// Missing audits stay nil, never zero.
	if m.Lab.TBTMillis != nil || m.Lab.CLS != nil || m.Lab.FCPMillis != nil || m.Lab.TTFBMillis != nil {
		t.Errorf("absent lab metrics coerced: %+v", m.Lab)
	}
	if m.Field.Coverage != CoverageNone {
		t.Errorf("Coverage = %q, want none", m.Field.Coverage)
	}
	if m.Field.LCPPercentileMillis != nil || m.Field.CLSPercentile != nil {
		t.Errorf("absent field metrics coerced: %+v", m.Field)
	}
}

func TestNormalizeOriginFallback(t *testing.T) {
	t.Parallel()
	raw := `{
		"loadingExperience": {
			"metrics": {"LARGEST_CONTENTFUL_PAINT_MS": {"percentile": 2500}},
			"origin_fallback": true
		}
	}`
	var v vendorResponse
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	m := normalize(&v, "https://example.com/deep/page", StrategyMobile)
	if m.Field.Coverage != CoverageOrigin {
		t.Errorf("Coverage = %q, want origin", m.Field.Coverage)
	}
	if m.Field.LCPPercentileMillis == nil || *m.Field.LCPPercentileMillis != 2500 {
		t.Errorf("LCPPercentileMillis = %v, want 2500", m.Field.LCPPercentileMillis)
	}
	if m.Lab.PerformanceScore != nil {
		t.Errorf("PerformanceScore = %v, want nil without lighthouse result", m.Lab.PerformanceScore)
	}
}

func TestNormalizeEmptyPayload(t *testing.T) {
	t.Parallel()
	m := normalize(&vendorResponse{}, "https://example.com/", StrategyMobile)
	if m.Target != "https://example.com/" || m.Strategy != StrategyMobile {
		t.Errorf("identity fields not carried: %+v", m)
	}
	if m.Field.Coverage != CoverageNone {
		t.Errorf("Coverage = %q, want none", m.Field.Coverage)
	}
	if m.ReportURL == "" {
		t.Error("ReportURL empty")
	}
}
