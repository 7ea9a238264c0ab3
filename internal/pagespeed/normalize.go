package pagespeed

import (
	"math"
	"net/url"
)

// vendorResponse mirrors the subset of the PSI v5 payload we consume.
// Everything is optional; normalization keeps absent metrics absent.
type vendorResponse struct {
	LighthouseResult  *vendorLighthouse `json:"lighthouseResult"`
	LoadingExperience *vendorLoadingExp `json:"loadingExperience"`
}

type vendorLighthouse struct {
	Categories map[string]vendorCategory `json:"categories"`
	Audits     map[string]vendorAudit    `json:"audits"`
}

type vendorCategory struct {
	Score *float64 `json:"score"` // 0..1
}

type vendorAudit struct {
	NumericValue *float64 `json:"numericValue"`
}

type vendorLoadingExp struct {
	Metrics        map[string]vendorFieldMetric `json:"metrics"`
	OriginFallback bool                         `json:"origin_fallback"`
}

type vendorFieldMetric struct {
	Percentile *float64 `json:"percentile"`
}

const (
	auditLCP  = "largest-contentful-paint"
	auditTBT  = "total-blocking-time"
	auditCLS  = "cumulative-layout-shift"
	auditFCP  = "first-contentful-paint"
	auditTTFB = "server-response-time"

	fieldLCP = "LARGEST_CONTENTFUL_PAINT_MS"
	fieldCLS = "CUMULATIVE_LAYOUT_SHIFT_SCORE"
)

func normalize(v *vendorResponse, target, strategy string) *Metrics {
	m := &Metrics{
		Target:    target,
		Strategy:  strategy,
		ReportURL: reportURL(target),
		Field:     FieldMetrics{Coverage: CoverageNone},
	}

	if lr := v.LighthouseResult; lr != nil {
		if cat, ok := lr.Categories["performance"]; ok && cat.Score != nil {
			score := int(math.Round(*cat.Score * 100))
			m.Lab.PerformanceScore = &score
		}
		m.Lab.LCPMillis = auditValue(lr.Audits, auditLCP)
		m.Lab.TBTMillis = auditValue(lr.Audits, auditTBT)
		m.Lab.CLS = auditValue(lr.Audits, auditCLS)
		m.Lab.FCPMillis = auditValue(lr.Audits, auditFCP)
		m.Lab.TTFBMillis = auditValue(lr.Audits, auditTTFB)
	}

	if le := v.LoadingExperience; le != nil && len(le.Metrics) > 0 {
		m.Field.LCPPercentileMillis = percentile(le.Metrics, fieldLCP)
		if p := percentile(le.Metrics, fieldCLS); p != nil {
			// The vendor reports CLS percentiles scaled by 100.
			scaled := *p / 100
			m.Field.CLSPercentile = &scaled
		}
		if m.Field.LCPPercentileMillis != nil || m.Field.CLSPercentile != nil {
			if le.OriginFallback {
				m.Field.Coverage = CoverageOrigin
			} else {
				m.Field.Coverage = CoverageURL
			}
		}
	}

	return m
}

func auditValue(audits map[string]vendorAudit, key string) *float64 {
	a, ok := audits[key]
	if !ok || a.NumericValue == nil {
		return nil
	}
	v := *a.NumericValue
	return &v
}

func percentile(metrics map[string]vendorFieldMetric, key string) *float64 {
	e, ok := metrics[key]
	if !ok || e.Percentile == nil {
		return nil
	}
	v := *e.Percentile
	return &v
}

func reportURL(target string) string {
	return "https://pagespeed.web.dev/report?url=" + url.QueryEscape(target)
}
