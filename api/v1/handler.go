package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/emissions"
	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/market"
	"carbon-scribe/ledger-reconciler/internal/mirror"
	"carbon-scribe/ledger-reconciler/internal/notifications"
	"carbon-scribe/ledger-reconciler/internal/notifications/websocket"
	"carbon-scribe/ledger-reconciler/internal/projects"
	"carbon-scribe/ledger-reconciler/internal/refresh"
	"carbon-scribe/ledger-reconciler/internal/session"
)

// Sessions gives handlers the active session and the shared mirror.
type Sessions interface {
	Current() (*session.Session, error)
	Mirror() *mirror.Store
	SwitchNetwork(ctx context.Context, chainID int64, endpoints []string, contract string) (*session.Session, error)
}

// Refresher is the single entry point for reconciliation triggers.
type Refresher interface {
	Trigger(ctx context.Context, reason string) (refresh.Outcome, error)
	Visible(ctx context.Context) (refresh.Outcome, error)
}

// FeedServer upgrades push-feed connections.
type FeedServer interface {
	HandleConnection(w http.ResponseWriter, r *http.Request, initial ...notifications.Message) (*websocket.Connection, error)
}

// Handler serves the presentation layer
type Handler struct {
	sessions  Sessions
	refresher Refresher
	feed      FeedServer
	logger    *zap.Logger
}

// NewHandler creates the API handler. feed may be nil to disable /ws.
func NewHandler(sessions Sessions, refresher Refresher, feed FeedServer, logger *zap.Logger) *Handler {
	return &Handler{sessions: sessions, refresher: refresher, feed: feed, logger: logger}
}

// RegisterRoutes registers the reconciler routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	projectsGroup := router.Group("/projects")
	{
		projectsGroup.GET("", h.listProjects)
		projectsGroup.GET("/:id", h.getProject)
		projectsGroup.POST("", h.submitProject)
		projectsGroup.POST("/:id/approve", h.approveProject)
		projectsGroup.POST("/:id/reject", h.rejectProject)
	}

	listings := router.Group("/listings")
	{
		listings.GET("", h.listListings)
		listings.GET("/:id", h.getListing)
		listings.POST("", h.createListing)
		listings.POST("/:id/buy", h.buyListing)
		listings.DELETE("/:id", h.cancelListing)
	}

	emissionsGroup := router.Group("/emissions")
	{
		emissionsGroup.GET("", h.listEmissions)
		emissionsGroup.POST("", h.recordEmission)
		emissionsGroup.POST("/:id/verify", h.verifyEmission)
	}

	transactions := router.Group("/transactions")
	{
		transactions.GET("", h.listTransactions)
		transactions.GET("/:id", h.getTransaction)
		transactions.DELETE("/:id", h.dismissTransaction)
	}

	router.GET("/balance", h.getBalance)
	router.GET("/snapshot", h.getSnapshot)
	router.POST("/refresh", h.refresh)
	router.GET("/network", h.getNetwork)
	router.POST("/network/switch", h.switchNetwork)
	if h.feed != nil {
		router.GET("/ws", h.serveFeed)
	}
}

func (h *Handler) session(c *gin.Context) (*session.Session, bool) {
	s, err := h.sessions.Current()
	if err != nil {
		h.fail(c, "No active session", err)
		return nil, false
	}
	return s, true
}

// =====================================================
// Projects
// =====================================================

// listProjects handles GET /api/v1/projects
func (h *Handler) listProjects(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	result, err := s.Projects.List(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to list projects", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getProject handles GET /api/v1/projects/:id
func (h *Handler) getProject(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	project, err := s.Projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to get project", err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// submitProject handles POST /api/v1/projects
func (h *Handler) submitProject(c *gin.Context) {
	var req projects.SubmitProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, err := s.Projects.Submit(c.Request.Context(), req)
	if err != nil {
		h.failTx(c, "Failed to submit project", rec, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// approveProject handles POST /api/v1/projects/:id/approve
func (h *Handler) approveProject(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, err := s.Projects.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failTx(c, "Failed to approve project", rec, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// rejectProject handles POST /api/v1/projects/:id/reject
func (h *Handler) rejectProject(c *gin.Context) {
	var req projects.ReviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, err := s.Projects.Reject(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.failTx(c, "Failed to reject project", rec, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// =====================================================
// Listings
// =====================================================

func (h *Handler) listListings(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	result, err := s.Market.Listings(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to list listings", err)
		return
	}
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, gin.H{"method": result.Method, "listings": result.Active(), "skipped": result.Skipped})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getListing(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	listing, err := s.Market.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to get listing", err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// createListing handles POST /api/v1/listings. A request for more credit
// than the seller holds is clamped and reported in the response.
func (h *Handler) createListing(c *gin.Context) {
	var req market.ListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	result, err := s.Market.List(c.Request.Context(), req)
	if err != nil {
		h.failTx(c, "Failed to list credits", result.Transaction, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (h *Handler) buyListing(c *gin.Context) {
	var req market.BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, err := s.Market.Buy(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.failTx(c, "Failed to buy credits", rec, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (h *Handler) cancelListing(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, err := s.Market.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failTx(c, "Failed to cancel listing", rec, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// =====================================================
// Balance and emissions
// =====================================================

// account reads an optional address query parameter, defaulting to the
// connected wallet.
func (h *Handler) account(c *gin.Context, s *session.Session, param string) (common.Address, bool) {
	if raw := c.Query(param); raw != "" {
		if !common.IsHexAddress(raw) {
			h.fail(c, "Invalid address", ledger.Errorf(ledger.KindValidation, param, "invalid address %q", raw))
			return common.Address{}, false
		}
		return common.HexToAddress(raw), true
	}
	account := s.Account()
	if account == (common.Address{}) {
		h.fail(c, "No wallet connected", ledger.Errorf(ledger.KindValidation, param, "%s is required without a connected wallet", param))
		return common.Address{}, false
	}
	return account, true
}

// getBalance handles GET /api/v1/balance?account=
func (h *Handler) getBalance(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	account, ok := h.account(c, s, "account")
	if !ok {
		return
	}
	balance, err := s.Credits.Balance(c.Request.Context(), account)
	if err != nil {
		h.fail(c, "Failed to read balance", err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// listEmissions handles GET /api/v1/emissions?owner=
func (h *Handler) listEmissions(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	owner, ok := h.account(c, s, "owner")
	if !ok {
		return
	}
	result, err := s.Emissions.List(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, "Failed to list emissions", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) recordEmission(c *gin.Context) {
	var req emissions.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, err := s.Emissions.Record(c.Request.Context(), req)
	if err != nil {
		h.failTx(c, "Failed to record emission", rec, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (h *Handler) verifyEmission(c *gin.Context) {
	var req emissions.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, err := s.Emissions.Verify(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.failTx(c, "Failed to verify emission", rec, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// =====================================================
// Transactions
// =====================================================

func (h *Handler) listTransactions(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": s.Orchestrator.List()})
}

func (h *Handler) transactionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) getTransaction(c *gin.Context) {
	id, ok := h.transactionID(c)
	if !ok {
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, found := s.Orchestrator.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// dismissTransaction handles DELETE /api/v1/transactions/:id. Dismissing
// never aborts a broadcast transaction.
func (h *Handler) dismissTransaction(c *gin.Context) {
	id, ok := h.transactionID(c)
	if !ok {
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Orchestrator.Dismiss(id); err != nil {
		h.fail(c, "Failed to dismiss transaction", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =====================================================
// Mirror, refresh and network
// =====================================================

func (h *Handler) getSnapshot(c *gin.Context) {
	snap, ok := h.sessions.Mirror().Get()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot": snap,
		"stale":    h.sessions.Mirror().Stale(time.Now()),
	})
}

// refresh handles POST /api/v1/refresh, sent when the client regains
// visibility.
func (h *Handler) refresh(c *gin.Context) {
	reason := c.DefaultQuery("reason", refresh.ReasonVisible)
	var (
		outcome refresh.Outcome
		err     error
	)
	if reason == refresh.ReasonVisible {
		outcome, err = h.refresher.Visible(c.Request.Context())
	} else {
		outcome, err = h.refresher.Trigger(c.Request.Context(), refresh.ReasonManual)
	}
	if err != nil {
		h.fail(c, "Refresh failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (h *Handler) getNetwork(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chain_id": s.ChainID,
		"endpoint": s.Backend.URL(),
		"degraded": s.Backend.Degraded(),
		"contract": s.Client.ContractAddress().Hex(),
		"account":  s.Account().Hex(),
	})
}

// SwitchNetworkRequest is the body of POST /network/switch
type SwitchNetworkRequest struct {
	ChainID         int64    `json:"chain_id" binding:"required"`
	Endpoints       []string `json:"endpoints" binding:"required,min=1"`
	ContractAddress string   `json:"contract_address"`
}

func (h *Handler) switchNetwork(c *gin.Context) {
	var req SwitchNetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.sessions.SwitchNetwork(c.Request.Context(), req.ChainID, req.Endpoints, req.ContractAddress)
	if err != nil {
		h.fail(c, "Failed to switch network", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain_id": s.ChainID, "endpoint": s.Backend.URL()})
}

// serveFeed handles GET /api/v1/ws
func (h *Handler) serveFeed(c *gin.Context) {
	var initial []notifications.Message
	if snap, ok := h.sessions.Mirror().Get(); ok {
		initial = append(initial, notifications.SnapshotMessage(snap))
	}
	if _, err := h.feed.HandleConnection(c.Writer, c.Request, initial...); err != nil {
		h.logger.Warn("Feed connection refused", zap.Error(err))
	}
}
