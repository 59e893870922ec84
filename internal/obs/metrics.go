package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveChannels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshfwd_active_channels", Help: "Currently open forwarding channels"})
	SessionUp              = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshfwd_session_up", Help: "1 while the transport session is ready"})
	ChannelsOpenedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "sshfwd_channels_opened_total", Help: "Channels opened"})
	ChannelOpenErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshfwd_channel_open_errors_total", Help: "Channel open failures by reason"}, []string{"reason"})
	AcceptRejectedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshfwd_accept_rejected_total", Help: "Local connections dropped before forwarding"}, []string{"cause"})
	ReconnectsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "sshfwd_reconnects_total", Help: "Reconnects after a session loss"})
	SessionFailuresTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "sshfwd_session_failures_total", Help: "Session-level failures"})
	KeepaliveFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "sshfwd_keepalive_failures_total", Help: "Keepalive probes that got no reply"})
	BytesRelayedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshfwd_bytes_relayed_total", Help: "Relayed bytes by direction"}, []string{"direction"})
	ChannelDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sshfwd_channel_duration_seconds", Help: "Channel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
