package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor/timestamp"
	"github.com/jmerrifield20/ledgeranchor/internal/anchorer"
	"github.com/jmerrifield20/ledgeranchor/internal/ledger"
	"github.com/jmerrifield20/ledgeranchor/internal/proofstore"
	"go.uber.org/zap"
)

// AnchorTrigger runs one anchoring pass on demand. *anchorer.Driver implements it.
type AnchorTrigger interface {
	RunOnce(ctx context.Context) (anchorer.Result, error)
}

// AnchorHandler exposes recorded anchors and the recorder over HTTP.
type AnchorHandler struct {
	store    proofstore.Store
	ledger   ledger.Ledger
	recorder anchor.Recorder
	trigger  AnchorTrigger
	operate  gin.HandlerFunc
	logger   *zap.Logger
}

// NewAnchorHandler creates a new AnchorHandler. operate guards the trigger
// endpoint; pass auth.RequireOperator.
func NewAnchorHandler(
	store proofstore.Store,
	l ledger.Ledger,
	recorder anchor.Recorder,
	trigger AnchorTrigger,
	operate gin.HandlerFunc,
	logger *zap.Logger,
) *AnchorHandler {
	if operate == nil {
		operate = func(c *gin.Context) { c.Next() }
	}
	return &AnchorHandler{
		store:    store,
		ledger:   l,
		recorder: recorder,
		trigger:  trigger,
		operate:  operate,
		logger:   logger,
	}
}

// Register mounts the anchor and recorder routes on the given router group.
func (h *AnchorHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/anchors")
	{
		a.GET("", h.ListAnchors)
		a.POST("", h.operate, h.TriggerAnchor)
		a.GET("/latest", h.LatestAnchor)
		a.GET("/:position", h.GetAnchor)
		a.GET("/:position/verify", h.VerifyAnchor)
	}
	rg.GET("/recorder/ready", h.RecorderReady)
}

// anchorJSON is the wire form of anchor.LedgerAnchor with a hex store hash.
type anchorJSON struct {
	Position         int64  `json:"position"`
	TransactionCount uint64 `json:"transaction_count"`
	FullStoreHash    string `json:"full_store_hash"`
}

type recordJSON struct {
	ID         string         `json:"id"`
	Anchor     anchorJSON     `json:"anchor"`
	Proofs     []anchor.Proof `json:"proofs"`
	RecordedAt time.Time      `json:"recorded_at"`
}

func toAnchorJSON(a anchor.LedgerAnchor) anchorJSON {
	return anchorJSON{
		Position:         a.Position,
		TransactionCount: a.TransactionCount,
		FullStoreHash:    a.StoreHashHex(),
	}
}

func toRecordJSON(r *proofstore.Record) recordJSON {
	return recordJSON{
		ID:         r.ID.String(),
		Anchor:     toAnchorJSON(r.Anchor),
		Proofs:     r.Proofs,
		RecordedAt: r.RecordedAt,
	}
}

// ListAnchors handles GET /anchors?limit=N, newest first.
func (h *AnchorHandler) ListAnchors(c *gin.Context) {
	limit := proofstore.DefaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	recs, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list anchors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list anchors"})
		return
	}

	out := make([]recordJSON, 0, len(recs))
	for _, r := range recs {
		out = append(out, toRecordJSON(r))
	}
	c.JSON(http.StatusOK, gin.H{"anchors": out, "count": len(out)})
}

// LatestAnchor handles GET /anchors/latest.
func (h *AnchorHandler) LatestAnchor(c *gin.Context) {
	rec, err := h.store.Latest(c.Request.Context())
	if errors.Is(err, proofstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no anchor recorded yet"})
		return
	}
	if err != nil {
		h.logger.Error("latest anchor", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query anchors"})
		return
	}
	c.JSON(http.StatusOK, toRecordJSON(rec))
}

// GetAnchor handles GET /anchors/:position.
func (h *AnchorHandler) GetAnchor(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toRecordJSON(rec))
}

type proofCheck struct {
	Provider    string     `json:"provider"`
	PartyID     string     `json:"party_id"`
	Valid       bool       `json:"valid"`
	Error       string     `json:"error,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	Signer      string     `json:"signer,omitempty"`
	Serial      string     `json:"serial,omitempty"`
}

// VerifyAnchor handles GET /anchors/:position/verify. It checks that the
// stored anchor still matches the ledger at that position and that every
// proof is a token over the anchor's digest.
func (h *AnchorHandler) VerifyAnchor(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}

	ledgerMatch := false
	if tx, err := h.ledger.Get(c.Request.Context(), rec.Anchor.Position); err == nil {
		ledgerMatch = tx.Index+1 == int64(rec.Anchor.TransactionCount) &&
			bytes.Equal(tx.StoreHash, rec.Anchor.FullStoreHash)
	}

	valid := ledgerMatch
	checks := make([]proofCheck, 0, len(rec.Proofs))
	for _, p := range rec.Proofs {
		pc := proofCheck{Provider: p.Provider, PartyID: p.PartyID}
		v, err := timestamp.VerifyProof(rec.Anchor, p)
		if err != nil {
			pc.Error = err.Error()
			valid = false
		} else {
			pc.Valid = true
			pc.GeneratedAt = &v.GeneratedAt
			pc.Signer = v.Signer
			if v.SerialNumber != nil {
				pc.Serial = v.SerialNumber.String()
			}
		}
		checks = append(checks, pc)
	}

	c.JSON(http.StatusOK, gin.H{
		"anchor":       toAnchorJSON(rec.Anchor),
		"ledger_match": ledgerMatch,
		"proofs":       checks,
		"valid":        valid,
	})
}

// TriggerAnchor handles POST /anchors. Runs one anchoring pass now.
func (h *AnchorHandler) TriggerAnchor(c *gin.Context) {
	res, err := h.trigger.RunOnce(c.Request.Context())
	if err != nil {
		h.logger.Warn("triggered anchoring failed", zap.Error(err))
		c.JSON(statusForRecordError(err), gin.H{
			"outcome": res.Outcome,
			"error":   err.Error(),
		})
		return
	}

	body := gin.H{"outcome": res.Outcome}
	if res.Outcome != anchorer.OutcomeEmpty {
		body["anchor"] = toAnchorJSON(res.Anchor)
	}
	if res.Record != nil {
		body["record"] = toRecordJSON(res.Record)
		c.JSON(http.StatusCreated, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// RecorderReady handles GET /recorder/ready.
func (h *AnchorHandler) RecorderReady(c *gin.Context) {
	if h.recorder.CanRecordAnchor(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}

func (h *AnchorHandler) lookup(c *gin.Context) (*proofstore.Record, bool) {
	pos, err := strconv.ParseInt(c.Param("position"), 10, 64)
	if err != nil || pos < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position must be a non-negative integer"})
		return nil, false
	}

	rec, err := h.store.Get(c.Request.Context(), pos)
	if errors.Is(err, proofstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no anchor at this position"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("get anchor", zap.Int64("position", pos), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query anchors"})
		return nil, false
	}
	return rec, true
}

// statusForRecordError maps backend failures to 502 and everything else to 500.
func statusForRecordError(err error) int {
	switch {
	case errors.Is(err, anchor.ErrTransport),
		errors.Is(err, anchor.ErrRejected),
		errors.Is(err, anchor.ErrValidation),
		errors.Is(err, anchorer.ErrPositionMismatch):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
