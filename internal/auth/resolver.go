package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
)

// Role is a capability set derived from the connected address.
type Role string

const (
	RoleStandard Role = "standard"
	RoleVerifier Role = "verifier"
)

// ParseRole accepts the role names the API exposes.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleStandard:
		return RoleStandard, nil
	case RoleVerifier:
		return RoleVerifier, nil
	}
	return "", ledger.Errorf(ledger.KindValidation, "role", "unknown role %q", s)
}

// RoleReader reads the ledger's access-control table.
type RoleReader interface {
	HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error)
}

// Resolver maps addresses to roles against a single allow-listed verifier.
// It also tracks which role view the connected user has switched to.
type Resolver struct {
	verifier common.Address
	logger   *zap.Logger

	mu     sync.RWMutex
	active Role
}

// NewResolver creates a resolver for the configured verifier address.
func NewResolver(verifier common.Address, logger *zap.Logger) *Resolver {
	return &Resolver{verifier: verifier, logger: logger, active: RoleStandard}
}

// Verifier returns the allow-listed address.
func (r *Resolver) Verifier() common.Address { return r.verifier }

// Resolve is a pure comparison against the verifier address.
func (r *Resolver) Resolve(addr common.Address) Role {
	if addr != (common.Address{}) && addr == r.verifier {
		return RoleVerifier
	}
	return RoleStandard
}

// ResolveHex resolves a textual address; comparison ignores case.
func (r *Resolver) ResolveHex(addr string) Role {
	if strings.EqualFold(strings.TrimSpace(addr), r.verifier.Hex()) {
		return RoleVerifier
	}
	return RoleStandard
}

// Require gates privileged operations. It resolves afresh on every call.
func (r *Resolver) Require(addr common.Address) error {
	if r.Resolve(addr) != RoleVerifier {
		return ledger.Errorf(ledger.KindAuthorization, "role", "%s is not the verifier", addr.Hex())
	}
	return nil
}

// ActiveRole returns the role view the user last switched to.
func (r *Resolver) ActiveRole() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SwitchRole changes the active role view. Only the verifier may switch.
func (r *Resolver) SwitchRole(connected common.Address, target Role) (Role, error) {
	if err := r.Require(connected); err != nil {
		return r.ActiveRole(), err
	}
	if target != RoleStandard && target != RoleVerifier {
		return r.ActiveRole(), ledger.Errorf(ledger.KindValidation, "role", "unknown role %q", target)
	}

	r.mu.Lock()
	r.active = target
	r.mu.Unlock()

	r.logger.Info("Switched role", zap.String("address", connected.Hex()), zap.String("role", string(target)))
	return target, nil
}

// Reset returns to the standard view, used when the session changes.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.active = RoleStandard
	r.mu.Unlock()
}

// CheckOnChain compares the allow-list with the contract's role table. A
// mismatch is only logged; the allow-list stays authoritative.
func (r *Resolver) CheckOnChain(ctx context.Context, reader RoleReader) (bool, error) {
	ok, err := reader.HasRole(ctx, ledger.VerifierRole, r.verifier)
	if err != nil {
		return false, fmt.Errorf("failed to read verifier role: %w", err)
	}
	if !ok {
		r.logger.Warn("Configured verifier does not hold VERIFIER_ROLE on the ledger",
			zap.String("verifier", r.verifier.Hex()))
	}
	return ok, nil
}
