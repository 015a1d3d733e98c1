// Package api exposes the agent's HTTP surface: receipt intake from gateways
// and allocation bookkeeping.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-indexer-agent/internal/auth"
	"github.com/0gfoundation/0g-indexer-agent/internal/store"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// Signed request actions accepted by each route.
const (
	ActionSubmitReceipt      = "submit_receipt"
	ActionRegisterAllocation = "register_allocation"
	ActionCloseAllocation    = "close_allocation"
	ActionGetAllocation      = "get_allocation"
)

// Ingester is satisfied by collector.Collector.
type Ingester interface {
	Ingest(ctx context.Context, r voucher.Receipt) (*voucher.Voucher, error)
}

// Triggerer is satisfied by claims.Scheduler.
type Triggerer interface {
	Trigger()
}

type Handler struct {
	ingester Ingester
	store    *store.Store
	claims   Triggerer
	log      *zap.Logger
}

func NewHandler(ing Ingester, st *store.Store, claims Triggerer, log *zap.Logger) *Handler {
	return &Handler{ingester: ing, store: st, claims: claims, log: log}
}

// NewRouter builds the engine: health and metrics in the clear, everything
// under /api behind the gateway signature check.
func NewRouter(rdb *redis.Client, gateways []common.Address, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", auth.Middleware(rdb, gateways))
	h.Register(api)
	return r
}

// Register mounts all routes. auth.Middleware should already be applied to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/receipts", auth.RequireAction(ActionSubmitReceipt), h.handleReceipt)
	rg.POST("/allocations", auth.RequireAction(ActionRegisterAllocation), h.handleRegister)
	rg.POST("/allocations/:id/close", auth.RequireAction(ActionCloseAllocation), h.handleClose)
	rg.GET("/allocations/:id", auth.RequireAction(ActionGetAllocation), h.handleGetAllocation)
}

// ── Receipts ────────────────────────────────────────────────────────────────

type receiptPayload struct {
	AllocationID common.Address `json:"allocation_id"`
	Timestamp    uint64         `json:"timestamp_ns"`
	Nonce        uint64         `json:"nonce"`
	Fees         string         `json:"fees"`
	Signature    hexutil.Bytes  `json:"signature"`
}

func (h *Handler) handleReceipt(c *gin.Context) {
	var p receiptPayload
	if !bindPayload(c, &p) {
		return
	}
	fees, ok := new(big.Int).SetString(p.Fees, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fees must be a decimal integer"})
		return
	}

	v, err := h.ingester.Ingest(c.Request.Context(), voucher.Receipt{
		AllocationID: p.AllocationID,
		Timestamp:    p.Timestamp,
		Nonce:        p.Nonce,
		Fees:         fees,
		Signature:    p.Signature,
	})
	switch {
	case errors.Is(err, voucher.ErrInvalidReceipt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("ingest receipt", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"id": v.ID.Hex(), "state": v.State}
	switch v.State {
	case voucher.StatePending:
		c.JSON(http.StatusAccepted, body)
	case voucher.StateInvalid:
		body["reason"] = v.Reason
		c.JSON(http.StatusUnprocessableEntity, body)
	default:
		// Already known and further along.
		c.JSON(http.StatusOK, body)
	}
}

// ── Allocations ─────────────────────────────────────────────────────────────

type allocationPayload struct {
	ID           common.Address `json:"id"`
	DeploymentID common.Hash    `json:"deployment_id"`
	Signer       common.Address `json:"signer"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var p allocationPayload
	if !bindPayload(c, &p) {
		return
	}
	if p.ID == (common.Address{}) || p.Signer == (common.Address{}) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and signer are required"})
		return
	}
	err := h.store.RegisterAllocation(c.Request.Context(), voucher.Allocation{
		ID:           p.ID,
		DeploymentID: p.DeploymentID,
		Signer:       p.Signer,
		State:        voucher.AllocationActive,
	})
	if err != nil {
		h.log.Error("register allocation", zap.String("allocation", p.ID.Hex()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.log.Info("allocation registered",
		zap.String("allocation", p.ID.Hex()),
		zap.String("signer", p.Signer.Hex()),
		zap.String("gateway", auth.Gateway(c)),
	)
	c.JSON(http.StatusCreated, gin.H{"id": p.ID.Hex()})
}

func (h *Handler) handleClose(c *gin.Context) {
	id, ok := allocationParam(c)
	if !ok {
		return
	}
	if req, _ := auth.Request(c); req == nil || !strings.EqualFold(req.ResourceID, id.Hex()) {
		c.JSON(http.StatusForbidden, gin.H{"error": "resource_id mismatch"})
		return
	}
	err := h.store.SetAllocationState(c.Request.Context(), id, voucher.AllocationClosing)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "allocation not found"})
		return
	}
	if err != nil {
		h.log.Error("close allocation", zap.String("allocation", id.Hex()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.log.Info("allocation closing", zap.String("allocation", id.Hex()))
	if h.claims != nil {
		h.claims.Trigger()
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id.Hex(), "state": voucher.AllocationClosing})
}

func (h *Handler) handleGetAllocation(c *gin.Context) {
	id, ok := allocationParam(c)
	if !ok {
		return
	}
	a, err := h.store.GetAllocation(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "allocation not found"})
		return
	}
	if err != nil {
		h.log.Error("get allocation", zap.String("allocation", id.Hex()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":              a.ID.Hex(),
		"deployment_id":   a.DeploymentID.Hex(),
		"state":           a.State,
		"signer":          a.Signer.Hex(),
		"collected_total": a.CollectedTotal.String(),
		"claimed_total":   a.ClaimedTotal.String(),
	})
}

// ── helpers ─────────────────────────────────────────────────────────────────

// bindPayload decodes the signed payload into dst, answering 400 on failure.
func bindPayload(c *gin.Context, dst any) bool {
	req, ok := auth.Request(c)
	if !ok || len(req.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing payload"})
		return false
	}
	if err := json.Unmarshal(req.Payload, dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return false
	}
	return true
}

func allocationParam(c *gin.Context) (common.Address, bool) {
	raw := c.Param("id")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allocation id"})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
