package syncer

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/fieldsync/internal/remote"
)

// Adapter bridges a transport's pushed deltas into the coordinator.
// Deltas go through the owning worker's apply path, never straight to
// the store. Connection callbacks drive the coordinator's online state.
type Adapter struct {
	coord  *Coordinator
	source remote.DeltaSource
	logger *slog.Logger
}

// NewAdapter creates an Adapter reading from source.
func NewAdapter(coord *Coordinator, source remote.DeltaSource, logger *slog.Logger) *Adapter {
	return &Adapter{coord: coord, source: source, logger: logger}
}

// Run forwards deltas until ctx is cancelled or the source closes.
func (a *Adapter) Run(ctx context.Context) error {
	deltas := a.source.Deltas()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deltas:
			if !ok {
				return nil
			}

			if err := a.coord.SubmitRemote(d); err != nil {
				a.logger.Warn("dropping pushed delta",
					slog.String("entity_type", d.EntityType),
					slog.String("entity_id", d.EntityID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// OnConnect marks the coordinator online and runs a full pass on every
// type. The pass reconciles anything pushed while the channel was down.
func (a *Adapter) OnConnect() {
	a.logger.Info("remote channel connected, reconciling")
	a.coord.SetOnline(true)
}

// OnDisconnect parks the coordinator until the channel is back.
func (a *Adapter) OnDisconnect() {
	a.logger.Warn("remote channel disconnected")
	a.coord.SetOnline(false)
}
