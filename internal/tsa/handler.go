package tsa

import (
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	maxQuerySize = 64 << 10
)

// Handler serves RFC3161 requests over HTTP.
type Handler struct {
	authority *Authority
	logger    *zap.Logger
}

// NewHandler creates a Handler that signs with authority.
func NewHandler(authority *Authority, logger *zap.Logger) *Handler {
	return &Handler{authority: authority, logger: logger}
}

// Register mounts POST /tsa and GET /tsa.crt on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/tsa", gin.WrapH(h))
	rg.GET("/tsa.crt", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/x-pem-file", h.authority.CertPEM())
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != contentTypeQuery {
		http.Error(w, "content type must be "+contentTypeQuery, http.StatusUnsupportedMediaType)
		return
	}

	query, err := io.ReadAll(io.LimitReader(r.Body, maxQuerySize))
	if err != nil {
		http.Error(w, "read request", http.StatusBadRequest)
		return
	}

	resp, err := h.authority.Stamp(query)
	w.Header().Set("Content-Type", contentTypeReply)
	if err != nil {
		h.logger.Warn("tsa: request refused", zap.Error(err))
		if resp == nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write(resp)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
