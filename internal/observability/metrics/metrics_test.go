package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderExposesCounters(t *testing.T) {
	ObserveHTTPRequest("status", "GET", 200, 30*time.Millisecond)
	ObserveHTTPRequest("status", "GET", 200, 2*time.Second)
	ObserveDecision("policy")
	ObserveAudit("PASS")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`autodca_http_requests_total{handler="status",method="GET",code="200"} 2`,
		`autodca_http_request_duration_seconds_bucket{handler="status",le="0.05"} 1`,
		`autodca_http_request_duration_seconds_count{handler="status"} 2`,
		`autodca_decisions_total{origin="policy"} 1`,
		`autodca_audits_total{status="PASS"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("指标输出缺少 %q:\n%s", want, body)
		}
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type: %q", got)
	}
}
