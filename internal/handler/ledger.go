// Package handler exposes the ledger, recorded anchors and recorder readiness
// over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgeranchor/internal/ledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes HTTP endpoints for the transaction ledger.
type LedgerHandler struct {
	ledger  ledger.Ledger
	operate gin.HandlerFunc
	logger  *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. operate guards the append
// endpoint; pass auth.RequireOperator.
func NewLedgerHandler(l ledger.Ledger, operate gin.HandlerFunc, logger *zap.Logger) *LedgerHandler {
	if operate == nil {
		operate = func(c *gin.Context) { c.Next() }
	}
	return &LedgerHandler{ledger: l, operate: operate, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/transactions/:idx", h.GetTransaction)
		l.POST("/transactions", h.operate, h.AppendTransaction)
	}
}

// Overview handles GET /ledger. Returns the transaction count and the
// anchor over the current tip.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	a, err := h.ledger.Anchor(ctx)
	if errors.Is(err, ledger.ErrEmpty) {
		c.JSON(http.StatusOK, gin.H{"transactions": 0, "position": -1, "store_hash": ""})
		return
	}
	if err != nil {
		h.logger.Error("ledger Anchor", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": a.TransactionCount,
		"position":     a.Position,
		"store_hash":   a.StoreHashHex(),
	})
}

// Verify handles GET /ledger/verify. Walks the full log and reports integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.ledger.Verify(ctx); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetTransaction handles GET /ledger/transactions/:idx.
func (h *LedgerHandler) GetTransaction(c *gin.Context) {
	idx, err := strconv.ParseInt(c.Param("idx"), 10, 64)
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	tx, err := h.ledger.Get(c.Request.Context(), idx)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger Get", zap.Int64("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	c.JSON(http.StatusOK, tx)
}

type appendRequest struct {
	Data    json.RawMessage `json:"data" binding:"required"`
	Records []string        `json:"records"`
}

// AppendTransaction handles POST /ledger/transactions. The JSON value under
// "data" is stored verbatim as the transaction's raw data.
func (h *LedgerHandler) AppendTransaction(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.ledger.Append(c.Request.Context(), req.Data, req.Records)
	if err != nil {
		h.logger.Error("ledger Append", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append transaction"})
		return
	}
	RecordLedgerAppend()

	c.JSON(http.StatusCreated, tx)
}
