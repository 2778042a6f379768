// Package upgrade drives one lidar through the firmware upgrade protocol:
// authorize, chunked transfer, finalize, progress polling and reboot.
//
// Transition decides what happens next and is pure. Session performs the
// side effects: it sends commands through a Sender and turns their
// acknowledgements and timeouts into events.
package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lidarops/fwupgrade/pkg/dispatch"
	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/family"
	"github.com/lidarops/fwupgrade/pkg/firmware"
	"github.com/lidarops/fwupgrade/pkg/metrics"
)

const (
	DefaultChunkSize      = 1024
	DefaultRetryCeiling   = 10
	DefaultCommandTimeout = 2 * time.Second
)

// Progress milestones, in percent.
const (
	percentAuthorize     = 10
	percentTransferStart = 20
	percentTransferSpan  = 20
	percentFinalize      = 40
	percentPollBase      = 50
	percentComplete      = 100
)

var (
	ErrSessionRunning = errors.New("session already running")
	ErrNotIdle        = errors.New("session is not idle")
	ErrNotComplete    = errors.New("session is not complete")
)

// DeviceError is a non-recoverable status reported by the device.
type DeviceError struct {
	Phase State
	Code  family.ReturnCode
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %s: %s", e.Phase, e.Code)
}

// Sender issues commands. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(device string, cmdID uint16, payload []byte, timeout time.Duration, cb dispatch.Callback) (dispatch.Seq, error)
}

// Config tunes a session. Zero values take the defaults.
type Config struct {
	ChunkSize      int
	CommandTimeout time.Duration
	// RetryCeiling is the number of retries allowed per phase, so a phase
	// is attempted at most RetryCeiling+1 times.
	RetryCeiling int
	// ProgressRetryCeiling overrides RetryCeiling while polling progress.
	// When zero the device family decides.
	ProgressRetryCeiling int
	// PollInterval delays each repeated progress query.
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Counters
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type eventKind int

const (
	kindResponse eventKind = iota
	kindPoll
)

type sessionEvent struct {
	kind  eventKind
	token uint64
	resp  dispatch.Response
	err   error
}

// run is one execution of a session, from RequestUpgrade to its end.
type run struct {
	events    chan sessionEvent
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	abandoned atomic.Bool
}

func (r *run) post(ev sessionEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Session upgrades one device. Its protocol state is only touched by its own
// goroutine; other goroutines observe it through Status and Wait.
type Session struct {
	device   string
	fw       *firmware.Firmware
	family   family.Family
	sender   Sender
	observer Observer
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	cur    *run
	report Report

	// owned by the run goroutine
	state     State
	phase     State
	offset    int
	inflight  int
	retries   int
	percent   int
	token     uint64
	awaiting  bool
	finished  bool
	lastError error
}

// NewSession prepares an idle session for device. Nothing is sent until Start.
func NewSession(device string, fw *firmware.Firmware, fam family.Family, sender Sender, observer Observer, cfg Config) *Session {
	if observer == nil {
		observer = nopObserver{}
	}
	cfg = cfg.withDefaults()
	s := &Session{
		device:   device,
		fw:       fw,
		family:   fam,
		sender:   sender,
		observer: observer,
		cfg:      cfg,
		logger:   cfg.Logger.With("device", device, "family", fam.Name()),
	}
	s.report = Report{Device: device, State: Idle, Phase: Idle}
	return s
}

// Device is the identifier of the device being upgraded.
func (s *Session) Device() string { return s.device }

// Status returns the latest report.
func (s *Session) Status() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Start sends the authorize request and runs the session in the background
// until it completes, fails, or is abandoned. Cancelling ctx abandons it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cur != nil {
		select {
		case <-s.cur.done:
		default:
			s.mu.Unlock()
			return ErrSessionRunning
		}
	}
	if s.report.State != Idle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	r := &run{
		events: make(chan sessionEvent, 2),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.cur = r
	s.mu.Unlock()

	s.cfg.Metrics.SessionStarted()
	go s.loop(ctx, r)
	return nil
}

// Wait blocks until the session stops running or ctx is done.
func (s *Session) Wait(ctx context.Context) (Report, error) {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return s.Status(), nil
	}

	select {
	case <-r.done:
		return s.Status(), nil
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// Abandon stops the session from making further transitions and waits for
// its last in-flight command to be answered or to time out.
func (s *Session) Abandon(ctx context.Context) (Report, error) {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r != nil {
		r.stopOnce.Do(func() { close(r.stop) })
	}
	return s.Wait(ctx)
}

// Reinitialize moves a completed session back to Idle so it can be started
// again.
func (s *Session) Reinitialize() error {
	s.mu.Lock()
	if s.cur != nil {
		select {
		case <-s.cur.done:
		default:
			s.mu.Unlock()
			return ErrSessionRunning
		}
	}
	if s.report.State != Complete || s.report.Err != nil {
		s.mu.Unlock()
		return ErrNotComplete
	}
	if _, next, err := Transition(Complete, Reinitialize, false); err != nil || next != Idle {
		s.mu.Unlock()
		return ErrNotComplete
	}

	// Start reads report under mu, so it sees either the completed session
	// or a fully reset one.
	s.state, s.phase = Idle, Idle
	s.offset, s.inflight, s.retries, s.percent = 0, 0, 0, 0
	s.finished, s.lastError = false, nil
	s.report = Report{Device: s.device, State: Idle, Phase: Idle}
	r := s.report
	s.mu.Unlock()

	s.observer.OnProgress(r)
	s.logger.Info("session_reinitialized")
	return nil
}

func (s *Session) loop(ctx context.Context, r *run) {
	defer close(r.done)

	s.state = Idle
	s.fire(r, RequestUpgrade)

	stop, cancelled := r.stop, ctx.Done()
	for {
		if s.finished || (r.abandoned.Load() && !s.awaiting) {
			break
		}
		select {
		case ev := <-r.events:
			s.handle(r, ev)
		case <-stop:
			s.markAbandoned(r, "stop")
			stop = nil
		case <-cancelled:
			s.markAbandoned(r, "context")
			cancelled = nil
		}
	}

	outcome := s.state.String()
	if r.abandoned.Load() {
		outcome = "abandoned"
	}
	s.cfg.Metrics.SessionFinished(outcome)
}

func (s *Session) markAbandoned(r *run, reason string) {
	if r.abandoned.Swap(true) {
		return
	}
	s.logger.Info("session_abandoned", "reason", reason, "state", s.state, "awaiting", s.awaiting)
	s.publish(true)
}

func (s *Session) handle(r *run, ev sessionEvent) {
	if ev.token != s.token {
		s.logger.Debug("session_stale_event", "token", ev.token, "current", s.token)
		return
	}
	if ev.kind == kindResponse {
		s.awaiting = false
	}
	if r.abandoned.Load() {
		return
	}

	if ev.kind == kindPoll {
		s.issue(r, s.family.Progress())
		return
	}
	if ev.err != nil {
		s.lastError = ev.err
		s.fire(r, Timeout)
		return
	}

	event, err := s.interpret(ev.resp.Data)
	s.lastError = err
	if s.state == Complete && event == UpgradeFinished {
		s.finish()
		return
	}
	s.fire(r, event)
}

// interpret turns an acknowledgement for the current phase into an event.
func (s *Session) interpret(data []byte) (Event, error) {
	switch s.state {
	case Requested:
		code, err := s.family.ParseStatus(data)
		switch {
		case err != nil:
			return ProtocolError, err
		case code == family.CodeOK:
			if s.fw.Len() == 0 {
				return TransferComplete, nil
			}
			return ChunkSent, nil
		case code.Busy():
			return ProtocolError, &DeviceError{Phase: s.state, Code: code}
		default:
			return Fault, &DeviceError{Phase: s.state, Code: code}
		}

	case TransferringFirmware:
		ack, err := s.family.ParseChunk(data)
		if err != nil {
			return ProtocolError, err
		}
		if ack.Code != family.CodeOK {
			return Fault, &DeviceError{Phase: s.state, Code: ack.Code}
		}
		if int(ack.Offset) != s.offset || ack.Length == 0 || int(ack.Length) > s.inflight {
			return ProtocolError, fmt.Errorf("chunk ack for offset %d length %d, expected offset %d length %d",
				ack.Offset, ack.Length, s.offset, s.inflight)
		}
		s.offset += int(ack.Length)
		s.inflight = 0
		s.cfg.Metrics.BytesAcked(int(ack.Length))
		if s.offset >= s.fw.Len() {
			return TransferComplete, nil
		}
		return ChunkSent, nil

	case FinalizingTransfer:
		code, err := s.family.ParseStatus(data)
		if err != nil {
			return ProtocolError, err
		}
		if code != family.CodeOK {
			return Fault, &DeviceError{Phase: s.state, Code: code}
		}
		return ProgressRequested, nil

	case PollingProgress:
		ack, err := s.family.ParseProgress(data)
		if err != nil {
			return ProtocolError, err
		}
		if ack.Code != family.CodeOK {
			return Fault, &DeviceError{Phase: s.state, Code: ack.Code}
		}
		progress := int(ack.Progress)
		if progress > 100 {
			progress = 100
		}
		s.percent = percentPollBase + progress/2
		if progress == 100 {
			return UpgradeFinished, nil
		}
		return ProgressRequested, nil

	case Complete:
		code, err := s.family.ParseStatus(data)
		if err != nil {
			return ProtocolError, err
		}
		if code != family.CodeOK {
			return Fault, &DeviceError{Phase: s.state, Code: code}
		}
		return UpgradeFinished, nil
	}

	return ProtocolError, fmt.Errorf("unexpected acknowledgement in %s", s.state)
}

func (s *Session) ceiling() int {
	if s.state == PollingProgress {
		if s.cfg.ProgressRetryCeiling > 0 {
			return s.cfg.ProgressRetryCeiling
		}
		if n := s.family.ProgressRetryCeiling(); n > 0 {
			return n
		}
	}
	return s.cfg.RetryCeiling
}

func (s *Session) fire(r *run, event Event) {
	action, next, err := Transition(s.state, event, s.retries >= s.ceiling())
	if err != nil {
		s.logger.Error("session_invalid_transition", "event", event, "state", s.state, "error", err)
		s.lastError = err
		s.abort(Failed)
		return
	}

	prev := s.state
	if action == ActionRetry {
		s.retries++
		s.cfg.Metrics.Retry(s.state.String())
		s.logger.Warn("session_retry",
			"state", s.state,
			"event", event,
			"retry", s.retries,
			"ceiling", s.ceiling(),
			"offset", s.offset,
			"error", s.lastError,
		)
		s.publish(false)
		s.retryPhase(r)
		return
	}
	if action == ActionAbort {
		s.abort(next)
		return
	}

	s.retries = 0
	s.state = next
	if next.active() {
		s.phase = next
	}
	s.updatePercent()
	if prev != next {
		s.logger.Info("session_transition", "from", prev, "to", next, "event", event, "percent", s.percent)
	}
	s.publish(false)

	switch action {
	case ActionAuthorize:
		s.issue(r, s.family.Authorize(s.fw))
	case ActionSendChunk:
		s.sendChunk(r)
	case ActionFinalize:
		s.issue(r, s.family.Finalize(s.fw))
	case ActionQueryProgress:
		if prev == PollingProgress && s.cfg.PollInterval > 0 {
			s.schedulePoll(r)
			return
		}
		s.issue(r, s.family.Progress())
	case ActionReboot:
		s.issue(r, s.family.Reboot())
	}
}

func (s *Session) retryPhase(r *run) {
	switch s.state {
	case Requested:
		s.issue(r, s.family.Authorize(s.fw))
	case TransferringFirmware:
		s.sendChunk(r)
	case FinalizingTransfer:
		s.issue(r, s.family.Finalize(s.fw))
	case PollingProgress:
		s.issue(r, s.family.Progress())
	case Complete:
		s.issue(r, s.family.Reboot())
	}
}

// sendChunk sends the chunk at the current offset. A retry re-sends exactly
// the same bytes.
func (s *Session) sendChunk(r *run) {
	data := s.fw.Chunk(s.offset, s.cfg.ChunkSize)
	s.inflight = len(data)
	s.logger.Debug("session_send_chunk", "offset", s.offset, "length", len(data))
	s.issue(r, s.family.Chunk(uint32(s.offset), data))
}

func (s *Session) issue(r *run, req family.Request) {
	s.token++
	token := s.token
	_, err := s.sender.Send(s.device, req.CmdID, req.Payload, s.cfg.CommandTimeout, func(resp dispatch.Response, err error) {
		r.post(sessionEvent{kind: kindResponse, token: token, resp: resp, err: err})
	})
	if err != nil {
		s.lastError = errors.Wrapf(err, "send command 0x%04x", req.CmdID)
		s.abort(Failed)
		return
	}
	s.awaiting = true
}

func (s *Session) schedulePoll(r *run) {
	s.token++
	token := s.token
	time.AfterFunc(s.cfg.PollInterval, func() {
		r.post(sessionEvent{kind: kindPoll, token: token})
	})
}

func (s *Session) abort(terminal State) {
	s.state = terminal
	s.finished = true
	s.logger.Error("session_failed",
		"state", terminal,
		"phase", s.phase,
		"percent", s.percent,
		"retry", s.retries,
		"offset", s.offset,
		"error", s.lastError,
	)
	s.publish(false)
}

func (s *Session) finish() {
	s.finished = true
	s.lastError = nil
	s.logger.Info("session_complete", "bytes", s.offset)
	s.publish(false)
}

func (s *Session) updatePercent() {
	switch s.state {
	case Requested:
		s.percent = percentAuthorize
	case TransferringFirmware:
		s.percent = percentTransferStart
		if n := s.fw.Len(); n > 0 {
			s.percent += s.offset * percentTransferSpan / n
		}
	case FinalizingTransfer:
		s.percent = percentFinalize
	case PollingProgress:
		if s.percent < percentPollBase {
			s.percent = percentPollBase
		}
	case Complete:
		s.percent = percentComplete
	}
}

func (s *Session) publish(abandoned bool) {
	var err error
	if s.state.Terminal() {
		err = s.lastError
		if err == nil {
			err = errors.New(s.state.String())
		}
	}

	s.mu.Lock()
	if s.report.Abandoned {
		abandoned = true
	}
	s.report = Report{
		Device:    s.device,
		State:     s.state,
		Phase:     s.phase,
		Percent:   s.percent,
		Retry:     s.retries,
		Abandoned: abandoned,
		Err:       err,
	}
	r := s.report
	s.mu.Unlock()

	s.observer.OnProgress(r)
}
