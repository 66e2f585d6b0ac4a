package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ThrottleAllowed prometheus.Counter
	// type: global, per_ip
	ThrottleRejections *prometheus.CounterVec
	UniqueIPs          prometheus.Gauge

	// status: accepted, throttled
	SMTPSessions          *prometheus.CounterVec
	SMTPActiveSessions    prometheus.Gauge
	SMTPRecipientsRefused *prometheus.CounterVec

	// result: pass, fail, none, temperror, permerror
	DKIMResults *prometheus.CounterVec
)

func buildSMTP() {
	ThrottleAllowed = counter("throttle_allowed_total", "SMTP connections let through by the throttle")
	ThrottleRejections = counterVec("throttle_rejections_total", "SMTP connections refused by the throttle", "type")
	UniqueIPs = gauge("unique_ips", "Client IPs tracked by the throttle")

	SMTPSessions = counterVec("smtp_sessions_total", "SMTP sessions by admission outcome", "status")
	SMTPActiveSessions = gauge("smtp_active_sessions", "Open SMTP sessions")
	SMTPRecipientsRefused = counterVec("smtp_recipients_refused_total", "RCPT commands refused", "reason")

	DKIMResults = counterVec("dkim_results_total", "DKIM verification outcomes", "result")
}

func smtpCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ThrottleAllowed, ThrottleRejections, UniqueIPs,
		SMTPSessions, SMTPActiveSessions, SMTPRecipientsRefused, DKIMResults,
	}
}
