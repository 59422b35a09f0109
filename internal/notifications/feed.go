package notifications

import (
	"context"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/mirror"
	"carbon-scribe/ledger-reconciler/internal/txn"
)

// Broadcaster delivers a message to every interested client.
type Broadcaster interface {
	Broadcast(msg Message) error
}

// Feed turns mirror snapshots and transaction updates into push messages.
type Feed struct {
	out    Broadcaster
	logger *zap.Logger
}

func NewFeed(out Broadcaster, logger *zap.Logger) *Feed {
	return &Feed{out: out, logger: logger}
}

// SnapshotMessage wraps a mirror snapshot.
func SnapshotMessage(snap mirror.Snapshot) Message {
	return Message{Type: TypeSnapshot, Channel: ChannelMirror, Data: snap, Timestamp: time.Now()}
}

// TransactionMessage wraps a transaction record.
func TransactionMessage(rec txn.Record) Message {
	return Message{Type: TypeTransaction, Channel: ChannelTransactions, Data: rec, Timestamp: time.Now()}
}

// Run forwards snapshots until ctx ends or the channel closes.
func (f *Feed) Run(ctx context.Context, snapshots <-chan mirror.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			f.publish(SnapshotMessage(snap))
		}
	}
}

// Transaction publishes one transaction update. It matches the
// session manager's OnTransaction callback.
func (f *Feed) Transaction(rec txn.Record) {
	f.publish(TransactionMessage(rec))
}

func (f *Feed) publish(msg Message) {
	if err := f.out.Broadcast(msg); err != nil {
		f.logger.Warn("Failed to publish feed message",
			zap.String("type", msg.Type),
			zap.Error(err))
	}
}
