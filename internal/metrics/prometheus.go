package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	// Process uptime
	sb.WriteString("# HELP botmeter_uptime_seconds Time since the service started\n")
	sb.WriteString("# TYPE botmeter_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("botmeter_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	// Total requests by endpoint
	sb.WriteString("# HELP botmeter_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE botmeter_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		count := snap.TotalRequests[endpoint]
		sb.WriteString(fmt.Sprintf("botmeter_requests_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request errors by endpoint
	sb.WriteString("# HELP botmeter_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE botmeter_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		count := snap.RequestErrors[endpoint]
		sb.WriteString(fmt.Sprintf("botmeter_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request duration totals
	sb.WriteString("# HELP botmeter_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE botmeter_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		duration := snap.TotalRequestsDur[endpoint]
		sb.WriteString(fmt.Sprintf("botmeter_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, duration))
	}
	sb.WriteString("\n")

	// Admission counters
	sb.WriteString("# HELP botmeter_charges_applied_total Total successfully charged requests\n")
	sb.WriteString("# TYPE botmeter_charges_applied_total counter\n")
	sb.WriteString(fmt.Sprintf("botmeter_charges_applied_total %d\n", snap.ChargesApplied))
	sb.WriteString("\n")

	sb.WriteString("# HELP botmeter_credits_spent_total Total credits debited from balances\n")
	sb.WriteString("# TYPE botmeter_credits_spent_total counter\n")
	sb.WriteString(fmt.Sprintf("botmeter_credits_spent_total %d\n", snap.CreditsSpent))
	sb.WriteString("\n")

	sb.WriteString("# HELP botmeter_rejections_total Denied admissions by rejection code\n")
	sb.WriteString("# TYPE botmeter_rejections_total counter\n")
	for _, code := range sortedKeys(snap.Rejections) {
		count := snap.Rejections[code]
		sb.WriteString(fmt.Sprintf("botmeter_rejections_total{code=\"%s\"} %d\n", code, count))
	}
	sb.WriteString("\n")

	// Rate limit hits
	sb.WriteString("# HELP botmeter_rate_limit_hits_total Total burst limiter rejections\n")
	sb.WriteString("# TYPE botmeter_rate_limit_hits_total counter\n")
	sb.WriteString(fmt.Sprintf("botmeter_rate_limit_hits_total %d\n", snap.RateLimitHits))
	sb.WriteString("\n")

	// Webhook counters
	sb.WriteString("# HELP botmeter_webhooks_delivered_total Completed webhook deliveries\n")
	sb.WriteString("# TYPE botmeter_webhooks_delivered_total counter\n")
	sb.WriteString(fmt.Sprintf("botmeter_webhooks_delivered_total %d\n", snap.WebhooksDelivered))
	sb.WriteString("\n")

	sb.WriteString("# HELP botmeter_webhooks_failed_total Webhook transport failures\n")
	sb.WriteString("# TYPE botmeter_webhooks_failed_total counter\n")
	sb.WriteString(fmt.Sprintf("botmeter_webhooks_failed_total %d\n", snap.WebhooksFailed))
	sb.WriteString("\n")

	sb.WriteString("# HELP botmeter_webhooks_dropped_total Events dropped on a full dispatch queue\n")
	sb.WriteString("# TYPE botmeter_webhooks_dropped_total counter\n")
	sb.WriteString(fmt.Sprintf("botmeter_webhooks_dropped_total %d\n", snap.WebhooksDropped))
	sb.WriteString("\n")

	sb.WriteString("# HELP botmeter_usage_samples_dropped_total Usage samples dropped on a full recorder buffer\n")
	sb.WriteString("# TYPE botmeter_usage_samples_dropped_total counter\n")
	sb.WriteString(fmt.Sprintf("botmeter_usage_samples_dropped_total %d\n", snap.UsageDropped))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
