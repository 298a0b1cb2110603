package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus collectors
type Metrics struct {
	activeSessions      prometheus.Gauge
	authedUsers         prometheus.Gauge
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	pixelsPlaced        prometheus.Counter
	pixelsUndone        prometheus.Counter
	shadowbannedPixels  prometheus.Counter
	chatMessages        prometheus.Counter
	chatRateLimited     prometheus.Counter
	broadcastFanout     prometheus.Histogram
	onlineCountEmitted  prometheus.Counter
	captchaVerification *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pxls_active_connections",
			Help: "Number of open websocket connections",
		}),
		authedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pxls_authed_users",
			Help: "Number of distinct authenticated users connected",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxls_messages_received_total",
			Help: "Inbound messages by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxls_messages_sent_total",
			Help: "Outbound messages by type",
		}, []string{"type"}),
		pixelsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxls_pixels_placed_total",
			Help: "Placements applied to the canvas",
		}),
		pixelsUndone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxls_pixels_undone_total",
			Help: "Placements reverted by their owner",
		}),
		shadowbannedPixels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxls_shadowbanned_pixels_total",
			Help: "Placements faked for shadowbanned users",
		}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxls_chat_messages_total",
			Help: "Chat messages broadcast",
		}),
		chatRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxls_chat_rate_limited_total",
			Help: "Chat messages rejected by the rate limiter",
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pxls_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		onlineCountEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxls_online_count_broadcasts_total",
			Help: "Online count broadcasts after coalescing",
		}),
		captchaVerification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxls_captcha_verifications_total",
			Help: "Captcha verification outcomes",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.authedUsers,
		m.messagesReceived,
		m.messagesSent,
		m.pixelsPlaced,
		m.pixelsUndone,
		m.shadowbannedPixels,
		m.chatMessages,
		m.chatRateLimited,
		m.broadcastFanout,
		m.onlineCountEmitted,
		m.captchaVerification,
	)
	return m
}

func (m *Metrics) RecordActiveSessions(n int) { m.activeSessions.Set(float64(n)) }
func (m *Metrics) RecordAuthedUsers(n int)    { m.authedUsers.Set(float64(n)) }

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordPixelPlaced()       { m.pixelsPlaced.Inc() }
func (m *Metrics) RecordPixelUndone()       { m.pixelsUndone.Inc() }
func (m *Metrics) RecordShadowbannedPixel() { m.shadowbannedPixels.Inc() }
func (m *Metrics) RecordChatMessage()       { m.chatMessages.Inc() }
func (m *Metrics) RecordChatRateLimited()   { m.chatRateLimited.Inc() }
func (m *Metrics) RecordOnlineCount()       { m.onlineCountEmitted.Inc() }

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordCaptcha(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.captchaVerification.WithLabelValues(result).Inc()
}
