package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
)

// Kind classifies a ledger failure by how callers should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectivity
	KindDecode
	KindAuthorization
	KindStateConflict
	KindUserCancel
	KindInsufficientFunds
	KindNotFound
	KindValidation
	KindReverted
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindConnectivity:      "connectivity",
	KindDecode:            "decode",
	KindAuthorization:     "authorization",
	KindStateConflict:     "state_conflict",
	KindUserCancel:        "user_cancel",
	KindInsufficientFunds: "insufficient_funds",
	KindNotFound:          "not_found",
	KindValidation:        "validation",
	KindReverted:          "reverted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// userRejectedCode is the EIP-1193 code wallets return when the user declines.
const userRejectedCode = 4001

// Error is the typed failure every ledger operation returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Raw and Diagnostic are set for whole-call decode failures.
	Raw        []byte
	Diagnostic *Diagnostic
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Diagnostic != nil {
		b.WriteString(" (")
		b.WriteString(e.Diagnostic.String())
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a typed error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first ledger error in the chain.
func KindOf(err error) Kind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure can be retried through endpoint failover.
func Retryable(err error) bool {
	return IsKind(err, KindConnectivity)
}

// Classify maps a raw transport or node error onto the taxonomy. Errors that
// already carry a kind are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return err
	}
	return &Error{Kind: classifyKind(err), Op: op, Err: err}
}

func classifyKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnectivity
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectivity
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return KindConnectivity
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case userRejectedCode:
			return KindUserCancel
		case -32005:
			// limit exceeded
			return KindConnectivity
		case 3:
			return KindReverted
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"), strings.Contains(msg, "action_rejected"):
		return KindUserCancel
	case strings.Contains(msg, "execution reverted"):
		return KindReverted
	case strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"):
		return KindConnectivity
	}
	return KindUnknown
}

// Diagnostic summarises a raw return payload that failed to decode.
type Diagnostic struct {
	Length    int
	Aligned   bool
	Slots     int
	FirstSlot *big.Int
}

// Diagnose inspects an ABI return payload: its length, whether it is made of
// whole 32-byte slots, how many slots it holds and the value of the first one.
func Diagnose(raw []byte) Diagnostic {
	d := Diagnostic{
		Length:  len(raw),
		Aligned: len(raw)%32 == 0,
		Slots:   len(raw) / 32,
	}
	if len(raw) >= 32 {
		d.FirstSlot = new(big.Int).SetBytes(raw[:32])
	}
	return d
}

func (d Diagnostic) String() string {
	first := "none"
	if d.FirstSlot != nil {
		first = d.FirstSlot.String()
	}
	return fmt.Sprintf("length=%d aligned=%t slots=%d first_slot=%s", d.Length, d.Aligned, d.Slots, first)
}

func decodeError(op string, raw []byte, err error) *Error {
	diag := Diagnose(raw)
	return &Error{Kind: KindDecode, Op: op, Err: err, Raw: raw, Diagnostic: &diag}
}
