// Package metrics is ORIGIN's hand-rolled metrics registry, exposed in both
// a JSON snapshot form and Prometheus text exposition at /metrics. Counters
// cover the decision pipeline (decisions by outcome and reason), the webhook
// dispatcher (deliveries by status), the evidence pipeline (pack
// transitions), the ledger (appends and verification failures), and the
// auth layer (rate-limit denials, IP allowlist parse errors).
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                    sync.RWMutex
	endpoint              map[string]*EndpointStat
	decision              map[string]int64
	decisionReason        map[string]int64
	gauges                map[string]float64
	webhookDelivery       map[string]int64
	evidenceTransition    map[string]int64
	ledgerAppends         int64
	ledgerVerifyFailures  int64
	rateLimited           int64
	ipAllowlistParseError int64
	Histograms            *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt            string                  `json:"generated_at"`
	Endpoints              map[string]EndpointStat `json:"endpoints"`
	Decisions              map[string]int64        `json:"decisions"`
	DecisionReasons        map[string]int64        `json:"decision_reasons"`
	Gauges                 map[string]float64      `json:"gauges"`
	WebhookDeliveries      map[string]int64        `json:"webhook_deliveries"`
	EvidenceTransitions    map[string]int64        `json:"evidence_transitions"`
	LedgerAppends          int64                   `json:"ledger_appends_total"`
	LedgerVerifyFailures   int64                   `json:"ledger_verify_failures_total"`
	RateLimited            int64                   `json:"rate_limited_total"`
	IPAllowlistParseErrors int64                   `json:"ip_allowlist_parse_errors_total"`
	Histograms             []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:           map[string]*EndpointStat{},
		decision:           map[string]int64{},
		decisionReason:     map[string]int64{},
		gauges:             map[string]float64{},
		webhookDelivery:    map[string]int64{},
		evidenceTransition: map[string]int64{},
		Histograms:         NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision counts one issued decision (ALLOW, REVIEW, QUARANTINE, REJECT).
func (r *Registry) IncDecision(decision string) {
	decision = strings.TrimSpace(strings.ToUpper(decision))
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

// IncDecisionReason counts a fired policy rule, keyed decision|reason.
func (r *Registry) IncDecisionReason(decision, reason string) {
	decision = strings.TrimSpace(strings.ToUpper(decision))
	reason = strings.TrimSpace(reason)
	if decision == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	r.mu.Lock()
	r.decisionReason[decision+"|"+reason]++
	r.mu.Unlock()
}

// IncWebhookDelivery counts one delivery attempt outcome
// (success, failed, dead_lettered).
func (r *Registry) IncWebhookDelivery(status string) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.webhookDelivery[status]++
	r.mu.Unlock()
}

// IncEvidenceTransition counts one evidence-pack state entry
// (pending, ready, failed) or requeue.
func (r *Registry) IncEvidenceTransition(state string) {
	state = strings.TrimSpace(strings.ToLower(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.evidenceTransition[state]++
	r.mu.Unlock()
}

func (r *Registry) IncLedgerAppend() {
	r.mu.Lock()
	r.ledgerAppends++
	r.mu.Unlock()
}

func (r *Registry) IncLedgerVerifyFailure() {
	r.mu.Lock()
	r.ledgerVerifyFailures++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

// IncIPAllowlistParseError counts a request whose client IP could not be
// parsed for the allowlist check; the handler's fail-open/fail-closed
// choice is separate.
func (r *Registry) IncIPAllowlistParseError() {
	r.mu.Lock()
	r.ipAllowlistParseError++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:            time.Now().UTC().Format(time.RFC3339),
		Endpoints:              make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:              make(map[string]int64, len(r.decision)),
		DecisionReasons:        make(map[string]int64, len(r.decisionReason)),
		Gauges:                 make(map[string]float64, len(r.gauges)),
		WebhookDeliveries:      make(map[string]int64, len(r.webhookDelivery)),
		EvidenceTransitions:    make(map[string]int64, len(r.evidenceTransition)),
		LedgerAppends:          r.ledgerAppends,
		LedgerVerifyFailures:   r.ledgerVerifyFailures,
		RateLimited:            r.rateLimited,
		IPAllowlistParseErrors: r.ipAllowlistParseError,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.decisionReason {
		out.DecisionReasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.webhookDelivery {
		out.WebhookDeliveries[k] = v
	}
	for k, v := range r.evidenceTransition {
		out.EvidenceTransitions[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP origin_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE origin_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "origin_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP origin_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE origin_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "origin_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP origin_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE origin_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "origin_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP origin_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE origin_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "origin_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP origin_decision_total decisions issued by outcome\n")
		b.WriteString("# TYPE origin_decision_total counter\n")
		for _, decision := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "origin_decision_total{decision=%q} %d\n", decision, snap.Decisions[decision])
		}
		b.WriteString("# HELP origin_decision_reason_total fired policy rules by decision and reason\n")
		b.WriteString("# TYPE origin_decision_reason_total counter\n")
		for _, key := range SortedKeys(snap.DecisionReasons) {
			parts := strings.SplitN(key, "|", 2)
			decision := parts[0]
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "origin_decision_reason_total{decision=%q,reason=%q} %d\n", decision, reason, snap.DecisionReasons[key])
		}
		b.WriteString("# HELP origin_webhook_delivery_total webhook delivery attempts by status\n")
		b.WriteString("# TYPE origin_webhook_delivery_total counter\n")
		for _, status := range SortedKeys(snap.WebhookDeliveries) {
			fmt.Fprintf(b, "origin_webhook_delivery_total{status=%q} %d\n", status, snap.WebhookDeliveries[status])
		}
		b.WriteString("# HELP origin_evidence_transition_total evidence pack state transitions\n")
		b.WriteString("# TYPE origin_evidence_transition_total counter\n")
		for _, state := range SortedKeys(snap.EvidenceTransitions) {
			fmt.Fprintf(b, "origin_evidence_transition_total{state=%q} %d\n", state, snap.EvidenceTransitions[state])
		}
		b.WriteString("# HELP origin_ledger_append_total ledger events appended\n")
		b.WriteString("# TYPE origin_ledger_append_total counter\n")
		fmt.Fprintf(b, "origin_ledger_append_total %d\n", snap.LedgerAppends)
		b.WriteString("# HELP origin_ledger_verify_failure_total chain verification failures\n")
		b.WriteString("# TYPE origin_ledger_verify_failure_total counter\n")
		fmt.Fprintf(b, "origin_ledger_verify_failure_total %d\n", snap.LedgerVerifyFailures)
		b.WriteString("# HELP origin_rate_limited_total requests denied by the token bucket\n")
		b.WriteString("# TYPE origin_rate_limited_total counter\n")
		fmt.Fprintf(b, "origin_rate_limited_total %d\n", snap.RateLimited)
		b.WriteString("# HELP origin_ip_allowlist_parse_error_total unparsable client IPs seen by the allowlist check\n")
		b.WriteString("# TYPE origin_ip_allowlist_parse_error_total counter\n")
		fmt.Fprintf(b, "origin_ip_allowlist_parse_error_total %d\n", snap.IPAllowlistParseErrors)
		b.WriteString("# HELP origin_gauge operational gauge metrics\n")
		b.WriteString("# TYPE origin_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "origin_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP origin_latency_seconds latency histogram\n")
			b.WriteString("# TYPE origin_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "origin_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "origin_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "origin_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "origin_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "origin_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "origin_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "origin_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
