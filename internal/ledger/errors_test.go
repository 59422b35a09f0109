package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"rate limited", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, KindConnectivity},
		{"server error", rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, KindConnectivity},
		{"user rejected", codedError{code: 4001, msg: "User rejected the request"}, KindUserCancel},
		{"limit exceeded code", codedError{code: -32005, msg: "request limit reached"}, KindConnectivity},
		{"revert code", codedError{code: 3, msg: "execution reverted: not pending"}, KindReverted},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), KindInsufficientFunds},
		{"deadline", context.DeadlineExceeded, KindConnectivity},
		{"refused", fmt.Errorf("post: dial tcp: connection refused"), KindConnectivity},
		{"action rejected", errors.New("ACTION_REJECTED"), KindUserCancel},
		{"other", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(Classify("op", tt.err)))
		})
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	original := NewError(KindStateConflict, "verifyProject", errors.New("already approved"))
	wrapped := fmt.Errorf("approve: %w", original)

	assert.Same(t, wrapped, Classify("other", wrapped))
	assert.Equal(t, KindStateConflict, KindOf(wrapped))
	assert.False(t, Retryable(wrapped))
	assert.True(t, Retryable(NewError(KindConnectivity, "x", nil)))
	assert.Nil(t, Classify("op", nil))
}

func TestDiagnose(t *testing.T) {
	raw := make([]byte, 70)
	raw[31] = 0x20

	d := Diagnose(raw)
	assert.Equal(t, 70, d.Length)
	assert.False(t, d.Aligned)
	assert.Equal(t, 2, d.Slots)
	assert.Equal(t, big.NewInt(32), d.FirstSlot)
	assert.Contains(t, d.String(), "first_slot=32")

	empty := Diagnose(nil)
	assert.True(t, empty.Aligned)
	assert.Nil(t, empty.FirstSlot)
	assert.Contains(t, empty.String(), "first_slot=none")
}

func TestErrorMessage(t *testing.T) {
	err := decodeError("getProject", []byte{1, 2, 3}, errors.New("abi: cannot marshal"))
	assert.Contains(t, err.Error(), "getProject: decode: abi: cannot marshal")
	assert.Contains(t, err.Error(), "length=3")
	assert.Equal(t, []byte{1, 2, 3}, err.Raw)
}
