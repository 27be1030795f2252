package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpews/mcpews/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SessionObserver exports session metrics to Prometheus.
type SessionObserver struct {
	framesRead     *prometheus.CounterVec
	framesWritten  *prometheus.CounterVec
	frameErrors    *prometheus.CounterVec
	handlerPanics  prometheus.Counter
	encryptedTotal *prometheus.CounterVec
	disconnects    prometheus.Counter
}

// NewSessionObserver registers session metrics on the registry.
func NewSessionObserver(reg *prometheus.Registry) *SessionObserver {
	o := &SessionObserver{
		framesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpews_session_frames_read_total",
			Help: "Inbound frames by message purpose.",
		}, []string{"purpose"}),
		framesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpews_session_frames_written_total",
			Help: "Outbound frames by message purpose.",
		}, []string{"purpose"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpews_session_frame_errors_total",
			Help: "Frame read/write/decode errors.",
		}, []string{"stage"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpews_session_handler_panics_total",
			Help: "Panics recovered from responders and purpose handlers.",
		}),
		encryptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpews_session_encryption_enabled_total",
			Help: "Sessions that activated encryption, by cipher mode.",
		}, []string{"mode"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpews_session_disconnects_total",
			Help: "Session disconnects.",
		}),
	}
	reg.MustRegister(
		o.framesRead,
		o.framesWritten,
		o.frameErrors,
		o.handlerPanics,
		o.encryptedTotal,
		o.disconnects,
	)
	return o
}

func (o *SessionObserver) FrameRead(purpose string) {
	o.framesRead.WithLabelValues(purpose).Inc()
}

func (o *SessionObserver) FrameWritten(purpose string) {
	o.framesWritten.WithLabelValues(purpose).Inc()
}

func (o *SessionObserver) FrameError(stage observability.FrameErrorStage) {
	o.frameErrors.WithLabelValues(string(stage)).Inc()
}

func (o *SessionObserver) HandlerPanic() {
	o.handlerPanics.Inc()
}

func (o *SessionObserver) EncryptionEnabled(mode string) {
	o.encryptedTotal.WithLabelValues(mode).Inc()
}

func (o *SessionObserver) Disconnect() {
	o.disconnects.Inc()
}

// ServerObserver exports acceptor metrics to Prometheus.
type ServerObserver struct {
	sessionGauge prometheus.Gauge
	upgradeTotal *prometheus.CounterVec
}

// NewServerObserver registers acceptor metrics on the registry.
func NewServerObserver(reg *prometheus.Registry) *ServerObserver {
	o := &ServerObserver{
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpews_server_sessions",
			Help: "Current live session count.",
		}),
		upgradeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpews_server_upgrades_total",
			Help: "WebSocket upgrade attempts by result and reason.",
		}, []string{"result", "reason"}),
	}
	reg.MustRegister(o.sessionGauge, o.upgradeTotal)
	return o
}

func (o *ServerObserver) SessionCount(n int) {
	o.sessionGauge.Set(float64(n))
}

func (o *ServerObserver) Upgrade(result observability.UpgradeResult, reason observability.UpgradeReason) {
	o.upgradeTotal.WithLabelValues(string(result), string(reason)).Inc()
}
