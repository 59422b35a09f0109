package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/mirror"
	"carbon-scribe/ledger-reconciler/internal/txn"
	"carbon-scribe/ledger-reconciler/pkg/workflows"
)

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) Broadcast(msg Message) error {
	return m.Called(msg.Type, msg.Channel).Error(0)
}

func TestFeedForwardsSnapshots(t *testing.T) {
	out := new(mockBroadcaster)
	out.On("Broadcast", TypeSnapshot, ChannelMirror).Return(nil).Twice()
	feed := NewFeed(out, zap.NewNop())

	snapshots := make(chan mirror.Snapshot, 2)
	snapshots <- mirror.Snapshot{Block: 1}
	snapshots <- mirror.Snapshot{Block: 2}
	close(snapshots)

	feed.Run(context.Background(), snapshots)
	out.AssertExpectations(t)
}

func TestFeedStopsOnCancel(t *testing.T) {
	feed := NewFeed(new(mockBroadcaster), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	feed.Run(ctx, make(chan mirror.Snapshot))
}

func TestFeedTransaction(t *testing.T) {
	out := new(mockBroadcaster)
	out.On("Broadcast", TypeTransaction, ChannelTransactions).Return(errors.New("broadcast channel full")).Once()
	feed := NewFeed(out, zap.NewNop())

	feed.Transaction(txn.Record{Kind: txn.KindBuy, Status: workflows.TxSubmitted})
	out.AssertExpectations(t)

	msg := TransactionMessage(txn.Record{Kind: txn.KindList})
	assert.Equal(t, txn.KindList, msg.Data.(txn.Record).Kind)
}
