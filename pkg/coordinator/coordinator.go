// Package coordinator fans one firmware image out to a fleet of lidars.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/family"
	"github.com/lidarops/fwupgrade/pkg/firmware"
	"github.com/lidarops/fwupgrade/pkg/upgrade"
)

var (
	// ErrUpgradeInProgress means a device is already being upgraded.
	ErrUpgradeInProgress = errors.New("upgrade already in progress")
	ErrNoDevices         = errors.New("no devices to upgrade")
	ErrUnknownDevice     = errors.New("device is not part of this fleet")
)

// Result is the final report of one device.
type Result struct {
	Device string
	Report upgrade.Report
}

// Coordinator starts independent upgrade sessions that share one sender.
// A device can only be part of one running fleet at a time.
type Coordinator struct {
	sender upgrade.Sender
	family family.Family
	cfg    upgrade.Config
	logger *slog.Logger

	mu         sync.Mutex
	inProgress map[string]*upgrade.Session
}

// New creates a coordinator. cfg is applied to every session it starts.
func New(sender upgrade.Sender, fam family.Family, cfg upgrade.Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sender:     sender,
		family:     fam,
		cfg:        cfg,
		logger:     logger,
		inProgress: make(map[string]*upgrade.Session),
	}
}

// Active lists the devices with a running session, sorted.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.inProgress))
	for id := range c.inProgress {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AbandonAll abandons every running session of every fleet and waits for
// their in-flight commands.
func (c *Coordinator) AbandonAll(ctx context.Context) {
	c.mu.Lock()
	sessions := make([]*upgrade.Session, 0, len(c.inProgress))
	for _, s := range c.inProgress {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	if len(sessions) > 0 {
		c.logger.Warn("fleet_abandon_all", "sessions", len(sessions))
	}
	var wg conc.WaitGroup
	for _, s := range sessions {
		wg.Go(func() {
			_, _ = s.Abandon(ctx)
		})
	}
	wg.Wait()
}

// UpgradeFleet starts one session per distinct device id, all reading the
// same firmware. If any device is already being upgraded nothing is started.
// observer may be nil; it is never called concurrently by one fleet.
func (c *Coordinator) UpgradeFleet(ctx context.Context, fw *firmware.Firmware, devices []string, observer upgrade.Observer) (*Fleet, error) {
	order := dedupe(devices)
	if len(order) == 0 {
		return nil, ErrNoDevices
	}

	f := &Fleet{
		coord:    c,
		firmware: fw,
		order:    order,
		sessions: make(map[string]*upgrade.Session, len(order)),
		done:     make(chan struct{}),
	}
	obs := &serialObserver{next: observer}
	for _, id := range order {
		f.sessions[id] = upgrade.NewSession(id, fw, c.family, c.sender, obs, c.cfg)
	}

	if err := c.reserve(f.sessions); err != nil {
		return nil, err
	}

	c.logger.Info("fleet_upgrade_start",
		"devices", len(order),
		"family", c.family.Name(),
		"payload_length", fw.Len(),
	)

	for _, id := range order {
		s := f.sessions[id]
		if err := s.Start(ctx); err != nil {
			// A fresh session is always idle; this only guards the invariant.
			c.release(id, s)
			c.logger.Error("fleet_session_start_failed", "device", id, "error", err)
			continue
		}
		f.wg.Go(func() {
			defer c.release(id, s)
			rep, _ := s.Wait(context.Background())
			c.logger.Info("fleet_session_done",
				"device", id,
				"state", rep.State,
				"phase", rep.Phase,
				"percent", rep.Percent,
				"abandoned", rep.Abandoned,
			)
		})
	}

	go func() {
		f.wg.Wait()
		close(f.done)
	}()
	return f, nil
}

func (c *Coordinator) reserve(sessions map[string]*upgrade.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var busy []string
	for id := range sessions {
		if _, ok := c.inProgress[id]; ok {
			busy = append(busy, id)
		}
	}
	if len(busy) > 0 {
		sort.Strings(busy)
		c.logger.Warn("fleet_upgrade_rejected", "busy", busy)
		return fmt.Errorf("%w: %v", ErrUpgradeInProgress, busy)
	}
	for id, s := range sessions {
		c.inProgress[id] = s
	}
	return nil
}

func (c *Coordinator) release(id string, s *upgrade.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProgress[id] == s {
		delete(c.inProgress, id)
	}
}

func dedupe(devices []string) []string {
	seen := make(map[string]bool, len(devices))
	out := make([]string, 0, len(devices))
	for _, id := range devices {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Fleet is one batch of concurrently running sessions, keyed by device id.
type Fleet struct {
	coord    *Coordinator
	firmware *firmware.Firmware
	order    []string
	sessions map[string]*upgrade.Session
	wg       conc.WaitGroup
	done     chan struct{}
}

// Devices lists the fleet's device ids in the order they were requested.
func (f *Fleet) Devices() []string {
	return append([]string(nil), f.order...)
}

// Session returns the session upgrading device.
func (f *Fleet) Session(device string) (*upgrade.Session, bool) {
	s, ok := f.sessions[device]
	return s, ok
}

// Status returns the latest report of every device.
func (f *Fleet) Status() []Result {
	out := make([]Result, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, Result{Device: id, Report: f.sessions[id].Status()})
	}
	return out
}

// Wait blocks until every session has stopped, or ctx is done. It returns
// the latest reports either way.
func (f *Fleet) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-f.done:
		return f.Status(), nil
	case <-ctx.Done():
		return f.Status(), ctx.Err()
	}
}

// Stop abandons one device's session and waits for its in-flight command.
func (f *Fleet) Stop(ctx context.Context, device string) (upgrade.Report, error) {
	s, ok := f.sessions[device]
	if !ok {
		return upgrade.Report{}, fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	return s.Abandon(ctx)
}

// StopAll abandons every session and waits for all of them.
func (f *Fleet) StopAll(ctx context.Context) ([]Result, error) {
	var wg conc.WaitGroup
	for _, id := range f.order {
		s := f.sessions[id]
		wg.Go(func() {
			_, _ = s.Abandon(ctx)
		})
	}
	wg.Wait()
	return f.Wait(ctx)
}

// serialObserver funnels every session's reports into one observer, one
// call at a time.
type serialObserver struct {
	mu   sync.Mutex
	next upgrade.Observer
}

func (o *serialObserver) OnProgress(r upgrade.Report) {
	if o.next == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next.OnProgress(r)
}
