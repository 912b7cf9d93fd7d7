// Package metrics 以 Prometheus 文本格式暴露守护进程的运行指标：
// HTTP 请求、决策产出与审计结论的计数。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type collector struct {
	mu        sync.Mutex
	requests  map[requestKey]uint64
	latency   map[string]*histogram
	decisions map[string]uint64
	audits    map[string]uint64
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

var defaultCollector = &collector{
	requests:  make(map[requestKey]uint64),
	latency:   make(map[string]*histogram),
	decisions: make(map[string]uint64),
	audits:    make(map[string]uint64),
}

// ObserveHTTPRequest 记录一次 HTTP 请求的结果与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	hist := c.latency[handler]
	if hist == nil {
		hist = &histogram{
			buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}
		hist.counts = make([]uint64, len(hist.buckets))
		c.latency[handler] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveDecision 按来源（policy/manual/fallback）计数决策产出。
func ObserveDecision(origin string) {
	c := defaultCollector
	c.mu.Lock()
	c.decisions[origin]++
	c.mu.Unlock()
}

// ObserveAudit 按聚合状态（PASS/WARN/FAIL）计数审计结论。
func ObserveAudit(status string) {
	c := defaultCollector
	c.mu.Lock()
	c.audits[status]++
	c.mu.Unlock()
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP autodca_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE autodca_http_requests_total counter\n")
	for _, key := range sortedRequestKeys(c.requests) {
		builder.WriteString(fmt.Sprintf("autodca_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key]))
	}

	builder.WriteString("# HELP autodca_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE autodca_http_request_duration_seconds histogram\n")
	for _, handler := range sortedKeys(c.latency) {
		hist := c.latency[handler]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("autodca_http_request_duration_seconds_bucket{handler=%q,le=%q} %d\n",
				handler, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("autodca_http_request_duration_seconds_bucket{handler=%q,le=\"+Inf\"} %d\n", handler, hist.count))
		builder.WriteString(fmt.Sprintf("autodca_http_request_duration_seconds_sum{handler=%q} %s\n", handler, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("autodca_http_request_duration_seconds_count{handler=%q} %d\n", handler, hist.count))
	}

	builder.WriteString("# HELP autodca_decisions_total Decisions produced, labelled by origin.\n")
	builder.WriteString("# TYPE autodca_decisions_total counter\n")
	for _, origin := range sortedKeys(c.decisions) {
		builder.WriteString(fmt.Sprintf("autodca_decisions_total{origin=%q} %d\n", origin, c.decisions[origin]))
	}

	builder.WriteString("# HELP autodca_audits_total Audit reports, labelled by aggregated status.\n")
	builder.WriteString("# TYPE autodca_audits_total counter\n")
	for _, status := range sortedKeys(c.audits) {
		builder.WriteString(fmt.Sprintf("autodca_audits_total{status=%q} %d\n", status, c.audits[status]))
	}

	return builder.String()
}

func sortedRequestKeys(m map[requestKey]uint64) []requestKey {
	keys := make([]requestKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 启动只暴露 /metrics 的独立 HTTP 服务。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
