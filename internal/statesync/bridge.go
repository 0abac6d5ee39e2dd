package statesync

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/teamscope/workstate/internal/workstate"
)

// RemoteClient is the transport the bridge drives. *Client implements it;
// tests substitute fakes.
type RemoteClient interface {
	Pull(ctx context.Context) (*workstate.AppState, error)
	Push(ctx context.Context, state *workstate.AppState) (PushResult, error)
	Watch(ctx context.Context, onRefresh func()) error
}

type SyncDirection string

const (
	// SyncPulled means the remote document was newer and replaced the local one.
	SyncPulled SyncDirection = "pulled"
	// SyncPushed means the local document was newer (or the remote empty) and
	// was pushed wholesale.
	SyncPushed SyncDirection = "pushed"
	// SyncNoop means both sides carried the same stamp, or a concurrent local
	// write invalidated the pulled document before it could be adopted.
	SyncNoop SyncDirection = "noop"
)

// SyncResult reports what one reconciliation cycle did and the stamps it
// ended on.
type SyncResult struct {
	Direction   SyncDirection
	LocalStamp  int64
	RemoteStamp int64
}

type BridgeOptions struct {
	Logger zerolog.Logger
}

// Bridge reconciles the local document with the remote service. Every cycle
// moves whole documents in exactly one direction, chosen by comparing
// lastUpdated stamps; there is no merge. Failures leave local state
// untouched so callers degrade to local-only operation.
type Bridge struct {
	remote RemoteClient
	coord  *workstate.Coordinator
	logger zerolog.Logger
}

func NewBridge(remote RemoteClient, coord *workstate.Coordinator, opts BridgeOptions) (*Bridge, error) {
	if remote == nil || coord == nil {
		return nil, workstate.ErrInvalidInput
	}
	return &Bridge{
		remote: remote,
		coord:  coord,
		logger: opts.Logger,
	}, nil
}

// Pull fetches the remote document without touching local state. The caller
// decides what to do with it.
func (b *Bridge) Pull(ctx context.Context) (*workstate.AppState, error) {
	return b.remote.Pull(ctx)
}

// Push replaces the remote document with the current local one.
func (b *Bridge) Push(ctx context.Context) (PushResult, error) {
	return b.remote.Push(ctx, b.coord.Snapshot())
}

// SyncOnce runs one last-writer-wins reconciliation cycle. A pulled document
// is installed through the coordinator's stamp re-check, so a local write
// that lands mid-cycle wins over the by-then stale pull and the cycle
// degrades to a noop.
func (b *Bridge) SyncOnce(ctx context.Context) (SyncResult, error) {
	remote, err := b.remote.Pull(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	local := b.coord.Snapshot()
	result := SyncResult{Direction: SyncNoop, LocalStamp: local.LastUpdated}
	if remote != nil {
		result.RemoteStamp = remote.LastUpdated
	}

	switch {
	case remote == nil || remote.LastUpdated < local.LastUpdated:
		ack, err := b.remote.Push(ctx, local)
		if err != nil {
			return result, err
		}
		result.Direction = SyncPushed
		result.RemoteStamp = ack.Timestamp
	case remote.LastUpdated > local.LastUpdated:
		installed, adopted, err := b.coord.AdoptIfNewer(remote)
		if err != nil {
			return result, err
		}
		result.LocalStamp = installed.LastUpdated
		if adopted {
			result.Direction = SyncPulled
		}
	}

	b.logger.Debug().
		Str("direction", string(result.Direction)).
		Int64("localStamp", result.LocalStamp).
		Int64("remoteStamp", result.RemoteStamp).
		Msg("sync cycle complete")
	return result, nil
}

// WatchRemote subscribes to the remote change feed and reconciles on every
// signal. It returns when the context ends or the feed connection drops;
// the caller owns redialing. onApplied, when set, observes each successful
// cycle.
func (b *Bridge) WatchRemote(ctx context.Context, onApplied func(SyncResult)) error {
	return b.remote.Watch(ctx, func() {
		result, err := b.SyncOnce(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("sync after remote change signal failed")
			return
		}
		if onApplied != nil {
			onApplied(result)
		}
	})
}
