// Package dispatch correlates asynchronous device commands with their
// acknowledgements.
//
// Every command gets a 16-bit sequence number and a deadline. An incoming
// acknowledgement is matched to its command by sequence number alone, so late
// or duplicate frames can never be delivered to a newer command that happens
// to use the same command id. Timeouts are only manufactured by Tick.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/metrics"
	"github.com/lidarops/fwupgrade/pkg/protocol"
)

// DefaultTickInterval is how often Run expires pending commands.
const DefaultTickInterval = 100 * time.Millisecond

var (
	// ErrTimeout is delivered to a callback whose deadline passed.
	ErrTimeout = errors.New("command timed out")
	// ErrSequenceExhausted means all 65535 sequence numbers are pending.
	ErrSequenceExhausted = errors.New("no free sequence number")
)

// Seq is a command sequence number. Zero is never allocated.
type Seq uint16

// Transport delivers datagrams to devices. Incoming datagrams are fed back
// through Dispatcher.OnIncoming by whoever owns the receive side.
type Transport interface {
	Send(device string, datagram []byte) error
}

// Response is what a callback receives. Data is nil on timeout.
type Response struct {
	Device string
	Seq    Seq
	CmdID  uint16
	Data   []byte
}

// Callback receives the outcome of one command, exactly once.
type Callback func(Response, error)

type pendingCommand struct {
	device   string
	cmdID    uint16
	deadline time.Time
	callback Callback
}

// Dispatcher owns the pending-command table. It is safe for concurrent use;
// callbacks are never invoked while its lock is held.
type Dispatcher struct {
	transport Transport
	codec     protocol.Codec
	now       func() time.Time
	logger    *slog.Logger
	counters  *metrics.Counters

	mu      sync.Mutex
	pending map[Seq]*pendingCommand
	last    Seq
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger scopes the dispatcher's log output.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics records dispatch activity in c.
func WithMetrics(c *metrics.Counters) Option {
	return func(d *Dispatcher) { d.counters = c }
}

// New creates a dispatcher sending through t.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		now:       time.Now,
		logger:    slog.Default(),
		pending:   make(map[Seq]*pendingCommand),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send registers a command and hands it to the transport. It never blocks on
// the device. A transport failure is logged and the command is left pending,
// so it surfaces as a timeout. If no sequence number is free or the frame
// cannot be encoded, Send returns 0 and an error, and cb is never called.
func (d *Dispatcher) Send(device string, cmdID uint16, payload []byte, timeout time.Duration, cb Callback) (Seq, error) {
	d.mu.Lock()
	seq, ok := d.allocate()
	if !ok {
		d.mu.Unlock()
		return 0, ErrSequenceExhausted
	}
	raw, err := d.codec.Encode(protocol.Frame{
		Seq:    uint16(seq),
		CmdID:  cmdID,
		Type:   protocol.CmdRequest,
		Sender: protocol.SenderHost,
		Data:   payload,
	})
	if err != nil {
		d.mu.Unlock()
		return 0, errors.Wrapf(err, "encode command 0x%04x", cmdID)
	}
	d.pending[seq] = &pendingCommand{
		device:   device,
		cmdID:    cmdID,
		deadline: d.now().Add(timeout),
		callback: cb,
	}
	n := len(d.pending)
	d.mu.Unlock()

	d.counters.SetPending(n)
	d.counters.CommandSent(fmt.Sprintf("0x%04x", cmdID))

	if err := d.transport.Send(device, raw); err != nil {
		d.counters.SendError()
		d.logger.Warn("dispatch_send_failed",
			"device", device,
			"seq", seq,
			"cmd", fmt.Sprintf("0x%04x", cmdID),
			"error", err,
		)
	}
	return seq, nil
}

// allocate returns the next free sequence number after the last one handed
// out, wrapping from 0xFFFF to 1. Must be called with mu held.
func (d *Dispatcher) allocate() (Seq, bool) {
	seq := d.last
	for i := 0; i < 0xFFFF; i++ {
		seq++
		if seq == 0 {
			seq = 1
		}
		if _, busy := d.pending[seq]; !busy {
			d.last = seq
			return seq, true
		}
	}
	return 0, false
}

// OnIncoming matches a datagram received from device to its pending command.
// Anything that does not match is dropped silently.
func (d *Dispatcher) OnIncoming(device string, raw []byte) {
	frame, err := d.codec.Decode(raw)
	if err != nil {
		d.drop("malformed", device, 0, err)
		return
	}
	if frame.Type != protocol.CmdAck {
		d.drop("not_ack", device, Seq(frame.Seq), nil)
		return
	}

	seq := Seq(frame.Seq)
	d.mu.Lock()
	p, ok := d.pending[seq]
	if !ok {
		d.mu.Unlock()
		d.drop("unknown_seq", device, seq, nil)
		return
	}
	if p.device != device || p.cmdID != frame.CmdID {
		d.mu.Unlock()
		d.drop("mismatch", device, seq, nil)
		return
	}
	delete(d.pending, seq)
	n := len(d.pending)
	d.mu.Unlock()

	d.counters.SetPending(n)
	d.counters.Response()
	p.callback(Response{Device: device, Seq: seq, CmdID: frame.CmdID, Data: frame.Data}, nil)
}

func (d *Dispatcher) drop(reason, device string, seq Seq, err error) {
	d.counters.Drop(reason)
	d.logger.Debug("dispatch_drop", "reason", reason, "device", device, "seq", seq, "error", err)
}

// Tick expires every command whose deadline is not after now and reports
// ErrTimeout to its callback.
func (d *Dispatcher) Tick(now time.Time) {
	type expiredCommand struct {
		seq Seq
		cmd *pendingCommand
	}

	var expired []expiredCommand
	d.mu.Lock()
	for seq, p := range d.pending {
		if !p.deadline.After(now) {
			expired = append(expired, expiredCommand{seq, p})
			delete(d.pending, seq)
		}
	}
	n := len(d.pending)
	d.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	d.counters.SetPending(n)
	for _, e := range expired {
		d.counters.Timeout()
		d.logger.Debug("dispatch_timeout", "device", e.cmd.device, "seq", e.seq, "cmd", fmt.Sprintf("0x%04x", e.cmd.cmdID))
		e.cmd.callback(Response{Device: e.cmd.device, Seq: e.seq, CmdID: e.cmd.cmdID}, ErrTimeout)
	}
}

// Run calls Tick every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(d.now())
		}
	}
}

// Pending is the number of commands awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
