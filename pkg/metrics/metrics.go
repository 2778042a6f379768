// Package metrics holds the prometheus counters for dispatch and upgrades.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counters for the command dispatcher and upgrade sessions. A nil *Counters
// is valid and records nothing.
type Counters struct {
	CommandsSent    *prometheus.CounterVec // Commands handed to the transport, by command id
	SendErrors      prometheus.Counter     // Transport send failures
	Responses       prometheus.Counter     // Acknowledgements matched to a pending command
	Timeouts        prometheus.Counter     // Pending commands expired by Tick
	Dropped         *prometheus.CounterVec // Incoming frames dropped, by reason
	Pending         prometheus.Gauge       // Commands currently awaiting a response
	SessionRetries  *prometheus.CounterVec // Session retries, by phase
	SessionOutcomes *prometheus.CounterVec // Finished sessions, by final state
	ActiveSessions  prometheus.Gauge       // Sessions still running
	ChunkBytes      prometheus.Counter     // Firmware bytes acknowledged by devices
}

// NewCounters creates an unregistered set of counters.
func NewCounters() *Counters {
	return &Counters{
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lidarfw_commands_sent",
			Help: "Commands sent to devices",
		}, []string{"cmd"}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lidarfw_send_errors",
			Help: "Transport send failures",
		}),
		Responses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lidarfw_responses",
			Help: "Acknowledgements matched to a pending command",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lidarfw_timeouts",
			Help: "Commands that expired without a response",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lidarfw_dropped_frames",
			Help: "Incoming frames dropped by the dispatcher",
		}, []string{"reason"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lidarfw_pending_commands",
			Help: "Commands awaiting a response",
		}),
		SessionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lidarfw_session_retries",
			Help: "Upgrade session retries",
		}, []string{"phase"}),
		SessionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lidarfw_session_outcomes",
			Help: "Finished upgrade sessions by final state",
		}, []string{"state"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lidarfw_active_sessions",
			Help: "Upgrade sessions still running",
		}),
		ChunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lidarfw_chunk_bytes",
			Help: "Firmware bytes acknowledged by devices",
		}),
	}
}

// Register adds every counter to reg.
func (c *Counters) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.CommandsSent, c.SendErrors, c.Responses, c.Timeouts, c.Dropped,
		c.Pending, c.SessionRetries, c.SessionOutcomes, c.ActiveSessions, c.ChunkBytes,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Counters) CommandSent(cmd string) {
	if c != nil {
		c.CommandsSent.With(prometheus.Labels{"cmd": cmd}).Inc()
	}
}

func (c *Counters) SendError() {
	if c != nil {
		c.SendErrors.Inc()
	}
}

func (c *Counters) Response() {
	if c != nil {
		c.Responses.Inc()
	}
}

func (c *Counters) Timeout() {
	if c != nil {
		c.Timeouts.Inc()
	}
}

func (c *Counters) Drop(reason string) {
	if c != nil {
		c.Dropped.With(prometheus.Labels{"reason": reason}).Inc()
	}
}

func (c *Counters) SetPending(n int) {
	if c != nil {
		c.Pending.Set(float64(n))
	}
}

func (c *Counters) Retry(phase string) {
	if c != nil {
		c.SessionRetries.With(prometheus.Labels{"phase": phase}).Inc()
	}
}

func (c *Counters) SessionStarted() {
	if c != nil {
		c.ActiveSessions.Inc()
	}
}

func (c *Counters) SessionFinished(state string) {
	if c != nil {
		c.ActiveSessions.Dec()
		c.SessionOutcomes.With(prometheus.Labels{"state": state}).Inc()
	}
}

func (c *Counters) BytesAcked(n int) {
	if c != nil {
		c.ChunkBytes.Add(float64(n))
	}
}
