// Package metrics holds the Prometheus collectors of the chat server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messagesSent      *prometheus.CounterVec
	eventsDelivered   *prometheus.CounterVec
	slowClientsClosed prometheus.Counter
	activeSessions    prometheus.Gauge
	onlineUsers       prometheus.Gauge
	messagesSwept     prometheus.Counter
	sweepErrors       prometheus.Counter
	callsFinished     *prometheus.CounterVec
	botReplies        *prometheus.CounterVec
	pushSent          *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
)

// Register initialises the collectors. Safe to call many times.
func Register() {
	registerOnce.Do(func() {
		messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted, by message type.",
		}, []string{"type"})
		eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_delivered_total",
			Help: "Realtime events queued to client sessions, by event type.",
		}, []string{"event"})
		slowClientsClosed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_slow_clients_closed_total",
			Help: "Sessions closed because their send buffer was full.",
		})
		activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Open realtime sessions on this node.",
		})
		onlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Users with at least one session on this node.",
		})
		messagesSwept = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_expired_total",
			Help: "Disappearing messages removed by the sweeper.",
		})
		sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_sweep_errors_total",
			Help: "Failed sweeper runs.",
		})
		callsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_calls_total",
			Help: "Calls by final status.",
		}, []string{"status"})
		botReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_bot_replies_total",
			Help: "Bot replies by result.",
		}, []string{"result"})
		pushSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_push_notifications_total",
			Help: "Web push deliveries by result.",
		}, []string{"result"})
		httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"})
		httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"})

		prometheus.MustRegister(messagesSent, eventsDelivered, slowClientsClosed, activeSessions, onlineUsers,
			messagesSwept, sweepErrors, callsFinished, botReplies, pushSent, httpRequests, httpLatency)
	})
}

func MessagesSent() *prometheus.CounterVec {
	Register()
	return messagesSent
}

func EventsDelivered() *prometheus.CounterVec {
	Register()
	return eventsDelivered
}

func SlowClientsClosed() prometheus.Counter {
	Register()
	return slowClientsClosed
}

func ActiveSessions() prometheus.Gauge {
	Register()
	return activeSessions
}

func OnlineUsers() prometheus.Gauge {
	Register()
	return onlineUsers
}

func MessagesSwept() prometheus.Counter {
	Register()
	return messagesSwept
}

func SweepErrors() prometheus.Counter {
	Register()
	return sweepErrors
}

func CallsFinished() *prometheus.CounterVec {
	Register()
	return callsFinished
}

func BotReplies() *prometheus.CounterVec {
	Register()
	return botReplies
}

func PushSent() *prometheus.CounterVec {
	Register()
	return pushSent
}

func HTTPRequests() *prometheus.CounterVec {
	Register()
	return httpRequests
}

func HTTPLatency() *prometheus.HistogramVec {
	Register()
	return httpLatency
}
