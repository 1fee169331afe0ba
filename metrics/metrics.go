// Package metrics holds the Prometheus collectors shared by the session
// layer, the coordinator and the relay server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "peerlink"

// Metrics groups every collector. A zero registerer leaves them unregistered,
// which is what tests and embedded uses want.
type Metrics struct {
	Sessions          *prometheus.GaugeVec
	HandshakeFailures prometheus.Counter
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	MessagesExpired   prometheus.Counter
	DecryptFailures   prometheus.Counter
	UnknownFrames     prometheus.Counter
	FileChunks        *prometheus.CounterVec
	FileTransfers     *prometheus.CounterVec
	OutboxDepth       prometheus.Gauge
	RelayFrames       *prometheus.CounterVec
	SignalingState    *prometheus.GaugeVec
	Reconnects        prometheus.Counter
	RelayClients      prometheus.Gauge
	RelayRooms        prometheus.Gauge
}

// New creates the collectors and registers them on reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "sessions",
			Help: "Live sessions by state.",
		}, []string{"state"}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "handshake_failures_total",
			Help: "Sessions torn down before key exchange completed.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "messages_sent_total",
			Help: "Cipher messages handed to a transport.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "messages_received_total",
			Help: "Cipher messages decrypted and accepted.",
		}),
		MessagesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "messages_expired_total",
			Help: "Messages purged after their TTL.",
		}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "decrypt_failures_total",
			Help: "Frames dropped because they failed authentication.",
		}),
		UnknownFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "unknown_frames_total",
			Help: "Frames with an unknown or malformed type.",
		}),
		FileChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "file", Name: "chunks_total",
			Help: "File chunks by direction.",
		}, []string{"direction"}),
		FileTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "file", Name: "transfers_total",
			Help: "Finished file transfers by direction and result.",
		}, []string{"direction", "result"}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "depth",
			Help: "Entries waiting in the pending outbound queue.",
		}),
		RelayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "relay_frames_total",
			Help: "Session frames tunnelled through the relay by direction.",
		}, []string{"direction"}),
		SignalingState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "state",
			Help: "1 for the current coordinator state.",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "reconnect_attempts_total",
			Help: "Signaling reconnection attempts.",
		}),
		RelayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "clients",
			Help: "Registered clients on the relay server.",
		}),
		RelayRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "rooms",
			Help: "Non-empty rooms on the relay server.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Sessions,
			m.HandshakeFailures,
			m.MessagesSent,
			m.MessagesReceived,
			m.MessagesExpired,
			m.DecryptFailures,
			m.UnknownFrames,
			m.FileChunks,
			m.FileTransfers,
			m.OutboxDepth,
			m.RelayFrames,
			m.SignalingState,
			m.Reconnects,
			m.RelayClients,
			m.RelayRooms,
		)
	}
	return m
}
