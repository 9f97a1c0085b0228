// Package prometheus renders engine counters in Prometheus text exposition
// format without pulling the Prometheus client library into the core.
package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	vouch "github.com/vouchkit/vouch"
)

type metricsSource interface {
	MetricsSnapshot() vouch.MetricsSnapshot
	AuditDropped() uint64
}

type counterDef struct {
	ID   vouch.MetricID
	Name string
	Help string
}

var counterDefs = []counterDef{
	{vouch.MetricChallengeCreated, "vouch_challenge_created_total", "Challenges issued."},
	{vouch.MetricChallengeVerifySuccess, "vouch_challenge_verify_success_total", "Successful challenge verifications."},
	{vouch.MetricChallengeVerifyFailure, "vouch_challenge_verify_failure_total", "Failed verification attempts."},
	{vouch.MetricChallengeAttemptsExceeded, "vouch_challenge_attempts_exceeded_total", "Challenges canceled after exhausting their attempt budget."},
	{vouch.MetricChallengeExpired, "vouch_challenge_expired_total", "Challenges observed expired during verification."},
	{vouch.MetricChallengeConsumed, "vouch_challenge_consumed_total", "Verified challenges consumed by a follow-up action."},
	{vouch.MetricChallengeCanceled, "vouch_challenge_canceled_total", "Challenges canceled by supersede or request."},
	{vouch.MetricSessionStarted, "vouch_session_started_total", "Refresh-session families opened."},
	{vouch.MetricRefreshSuccess, "vouch_refresh_success_total", "Successful refresh-token rotations."},
	{vouch.MetricRefreshFailure, "vouch_refresh_failure_total", "Refreshes failed on expired or already contained tokens."},
	{vouch.MetricRefreshBenignRace, "vouch_refresh_benign_race_total", "Replays classified as benign client races."},
	{vouch.MetricRefreshReuseDetected, "vouch_refresh_reuse_detected_total", "Replays classified as theft, each one revoking a family."},
	{vouch.MetricLogout, "vouch_logout_total", "Single-session logouts."},
	{vouch.MetricLogoutAll, "vouch_logout_all_total", "All-session logouts."},
}

// Exporter renders engine metrics in Prometheus text exposition format.
type Exporter struct {
	source metricsSource
}

// NewExporter creates an exporter reading from the given [vouch.Engine].
func NewExporter(engine *vouch.Engine) *Exporter {
	return &Exporter{source: engine}
}

// NewExporterFromSource creates an exporter from a custom source.
func NewExporterFromSource(source metricsSource) *Exporter {
	return &Exporter{source: source}
}

// Handler returns an http.Handler serving the rendered metrics.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render writes the current counters in Prometheus text exposition format.
func (p *Exporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && dropped == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(4096)

	for _, def := range counterDefs {
		writeCounter(&b, def.Name, def.Help, snapshot.Counters[def.ID])
	}
	writeCounter(&b, "vouch_audit_dropped_total", "Dropped audit events due to dispatcher backpressure.", dropped)

	return b.String()
}

func writeCounter(b *strings.Builder, name, help string, value uint64) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteByte('\n')
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" counter\n")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(value, 10))
	b.WriteByte('\n')
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}
