package auth

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// AccountSource yields the address of the connected wallet.
type AccountSource interface {
	Account() common.Address
}

// Source yields the resolver and wallet of the active session. It fails
// while no session is open.
type Source interface {
	RoleContext() (*Resolver, common.Address, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (*Resolver, common.Address, error)

func (f SourceFunc) RoleContext() (*Resolver, common.Address, error) { return f() }

// StaticSource binds one resolver to one account source.
func StaticSource(r *Resolver, accounts AccountSource) Source {
	return SourceFunc(func() (*Resolver, common.Address, error) {
		return r, accounts.Account(), nil
	})
}

type Handler struct {
	source Source
}

func NewHandler(source Source) *Handler {
	return &Handler{source: source}
}

// SwitchRoleRequest is the body of POST /role/switch
type SwitchRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (h *Handler) context(c *gin.Context) (*Resolver, common.Address, bool) {
	r, account, err := h.source.RoleContext()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return nil, common.Address{}, false
	}
	return r, account, true
}

// GetRole reports the connected address, its resolved role and the active view
func (h *Handler) GetRole(c *gin.Context) {
	r, account, ok := h.context(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":     account.Hex(),
		"role":        r.Resolve(account),
		"active_role": r.ActiveRole(),
		"verifier":    r.Verifier().Hex(),
	})
}

func (h *Handler) SwitchRole(c *gin.Context) {
	var req SwitchRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, account, ok := h.context(c)
	if !ok {
		return
	}
	role, err := r.SwitchRole(account, target)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_role": role})
}
