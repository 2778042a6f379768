// Package fsm implements the durable fleet upgrade workflow.
// It resolves a firmware package from S3 or disk, admits it, upgrades every
// device through the coordinator and records the outcome, using the
// superfly/fsm library.
package fsm

import (
	"context"

	"github.com/superfly/fsm"

	"github.com/lidarops/fwupgrade/pkg/errors"
)

// Register registers the fleet upgrade FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[UpgradeRequest, UpgradeResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[UpgradeRequest, UpgradeResponse](manager, "fleet-upgrade").
		Start(StateResolve, m.handleResolve).
		To(StateLoad, m.handleLoad).
		To(StateUpgrade, m.handleUpgrade).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
