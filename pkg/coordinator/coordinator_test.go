package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lidarops/fwupgrade/pkg/dispatch"
	"github.com/lidarops/fwupgrade/pkg/family"
	"github.com/lidarops/fwupgrade/pkg/firmware"
	"github.com/lidarops/fwupgrade/pkg/protocol"
	"github.com/lidarops/fwupgrade/pkg/upgrade"
)

type behavior int

const (
	healthy behavior = iota
	silent
	rejectsChunks
)

// fleetSim answers commands the way a lidar running the direct family would.
type fleetSim struct {
	d         *dispatch.Dispatcher
	behaviors map[string]behavior
}

func (s *fleetSim) Send(device string, datagram []byte) error {
	frame, err := protocol.Codec{}.Decode(datagram)
	if err != nil {
		return err
	}
	b := s.behaviors[device]
	if b == silent {
		return nil
	}

	var data []byte
	switch frame.CmdID {
	case 0x0201:
		data = make([]byte, 9)
		copy(data[1:], frame.Data[:8])
		if b == rejectsChunks {
			data[0] = byte(family.CodeFirmwareOutOfLength)
		}
	case 0x0203:
		data = []byte{0, 100}
	default:
		data = []byte{0}
	}

	raw, err := protocol.Codec{}.Encode(protocol.Frame{
		Seq:    frame.Seq,
		CmdID:  frame.CmdID,
		Type:   protocol.CmdAck,
		Sender: protocol.SenderLidar,
		Data:   data,
	})
	if err != nil {
		return err
	}
	go s.d.OnIncoming(device, raw)
	return nil
}

type fanInRecorder struct {
	mu       sync.Mutex
	inCall   atomic.Bool
	overlap  atomic.Bool
	byDevice map[string][]upgrade.Report
}

func (r *fanInRecorder) OnProgress(rep upgrade.Report) {
	if r.inCall.Swap(true) {
		r.overlap.Store(true)
	}
	defer r.inCall.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byDevice == nil {
		r.byDevice = make(map[string][]upgrade.Report)
	}
	r.byDevice[rep.Device] = append(r.byDevice[rep.Device], rep)
}

func newTestCoordinator(t *testing.T, behaviors map[string]behavior, timeout time.Duration) *Coordinator {
	t.Helper()
	sim := &fleetSim{behaviors: behaviors}
	d := dispatch.New(sim)
	sim.d = d

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx, 5*time.Millisecond)

	return New(d, family.Direct(), upgrade.Config{
		ChunkSize:      256,
		CommandTimeout: timeout,
		RetryCeiling:   2,
	})
}

func testImage(size int) *firmware.Firmware {
	return firmware.Build(firmware.Header{FormatVersion: firmware.FormatV2, DeviceType: 3}, make([]byte, size))
}

func waitFleet(t *testing.T, f *Fleet) []Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := f.Wait(ctx)
	require.NoError(t, err)
	return results
}

func TestUpgradeFleetCompletesEveryDevice(t *testing.T) {
	c := newTestCoordinator(t, map[string]behavior{}, time.Second)
	obs := &fanInRecorder{}

	devices := []string{"10.0.0.1:65000", "10.0.0.2:65000", "10.0.0.1:65000", "10.0.0.3:65000"}
	f, err := c.UpgradeFleet(context.Background(), testImage(1000), devices, obs)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:65000", "10.0.0.2:65000", "10.0.0.3:65000"}, f.Devices())

	results := waitFleet(t, f)
	require.Len(t, results, 3)
	for _, r := range results {
		require.Equal(t, upgrade.Complete, r.Report.State, r.Device)
		require.NoError(t, r.Report.Err)
	}

	require.False(t, obs.overlap.Load(), "observer was called concurrently")
	obs.mu.Lock()
	require.Len(t, obs.byDevice, 3)
	for id, reps := range obs.byDevice {
		require.Equal(t, 100, reps[len(reps)-1].Percent, id)
	}
	obs.mu.Unlock()

	require.Eventually(t, func() bool { return len(c.Active()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestUpgradeFleetIsolatesFailures(t *testing.T) {
	c := newTestCoordinator(t, map[string]behavior{
		"lost":   silent,
		"broken": rejectsChunks,
	}, 20*time.Millisecond)

	f, err := c.UpgradeFleet(context.Background(), testImage(600), []string{"good", "lost", "broken"}, nil)
	require.NoError(t, err)

	results := waitFleet(t, f)
	states := map[string]upgrade.State{}
	for _, r := range results {
		states[r.Device] = r.Report.State
	}
	require.Equal(t, upgrade.Complete, states["good"])
	require.Equal(t, upgrade.TimedOut, states["lost"])
	require.Equal(t, upgrade.Failed, states["broken"])

	lost, ok := f.Session("lost")
	require.True(t, ok)
	require.Equal(t, upgrade.Requested, lost.Status().Phase)
	require.Equal(t, 10, lost.Status().Percent)
	require.Equal(t, 2, lost.Status().Retry)
}

func TestUpgradeFleetRejectsDeviceInProgress(t *testing.T) {
	c := newTestCoordinator(t, map[string]behavior{"slow": silent}, time.Hour)
	fw := testImage(100)

	first, err := c.UpgradeFleet(context.Background(), fw, []string{"slow"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"slow"}, c.Active())

	_, err = c.UpgradeFleet(context.Background(), fw, []string{"other", "slow"}, nil)
	require.ErrorIs(t, err, ErrUpgradeInProgress)
	require.Equal(t, []string{"slow"}, c.Active())

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = first.Stop(stopCtx, "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = first.Stop(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestStopAllJoinsSessions(t *testing.T) {
	c := newTestCoordinator(t, map[string]behavior{"a": silent, "b": silent}, 30*time.Millisecond)

	f, err := c.UpgradeFleet(context.Background(), testImage(100), []string{"a", "b"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := f.StopAll(ctx)
	require.NoError(t, err)
	for _, r := range results {
		require.True(t, r.Report.Abandoned, r.Device)
		require.Equal(t, upgrade.Requested, r.Report.State, r.Device)
	}

	require.Eventually(t, func() bool { return len(c.Active()) == 0 }, time.Second, 5*time.Millisecond)
	_, err = c.UpgradeFleet(context.Background(), testImage(100), []string{"a"}, nil)
	require.NoError(t, err)
}

func TestUpgradeFleetNoDevices(t *testing.T) {
	c := newTestCoordinator(t, nil, time.Second)
	_, err := c.UpgradeFleet(context.Background(), testImage(10), []string{"", ""}, nil)
	require.ErrorIs(t, err, ErrNoDevices)
}

func TestAbandonAllStopsEveryFleet(t *testing.T) {
	c := newTestCoordinator(t, map[string]behavior{"a": silent, "b": silent}, time.Second)

	f1, err := c.UpgradeFleet(context.Background(), testImage(100), []string{"a"}, nil)
	require.NoError(t, err)
	f2, err := c.UpgradeFleet(context.Background(), testImage(100), []string{"b"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, c.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.AbandonAll(ctx)

	for _, f := range []*Fleet{f1, f2} {
		for _, r := range waitFleet(t, f) {
			require.True(t, r.Report.Abandoned, r.Device)
		}
	}
	require.Eventually(t, func() bool { return len(c.Active()) == 0 }, time.Second, 5*time.Millisecond)
}
