package handlers

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/auth"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/sessionstore"
	"github.com/example/kyc-flow/internal/verification"
)

// MaxUploadSize caps incoming document images.
const MaxUploadSize = 10 << 20

// MachineFactory builds a verification machine for one start request. The
// wiring (API client, uploader, pipeline, store) lives with the caller so
// tests can substitute stubs. userID is the authenticated subject, for audit.
type MachineFactory func(userID string, cfg verification.Config) *verification.Machine

// Handler drives verification flows over HTTP on behalf of the mobile UI.
type Handler struct {
	factory MachineFactory
	store   sessionstore.Store
	logger  *zap.Logger

	mu    sync.Mutex
	flows map[string]*verification.Machine
}

// New builds a handler. store may be nil when snapshot rehydration is not
// wanted.
func New(factory MachineFactory, store sessionstore.Store, logger *zap.Logger) *Handler {
	return &Handler{
		factory: factory,
		store:   store,
		logger:  logger.Named("handlers"),
		flows:   make(map[string]*verification.Machine),
	}
}

type startRequest struct {
	User          verification.UserInfo      `json:"user"`
	Customization verification.Customization `json:"customization"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	flows := router.Group("/flows", authMiddleware)
	flows.POST("", h.startFlow)
	flows.POST("/:id/document/:side", h.submitDocument)
	flows.POST("/:id/liveness", h.completeLiveness)
	flows.GET("/:id", h.getFlow)
	flows.DELETE("/:id", h.cancelFlow)
}

func (h *Handler) startFlow(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Customization.DocumentSource == "" {
		req.Customization.DocumentSource = verification.SourceLive
	}

	// The end-user bearer token doubles as the KYC backend credential.
	token, err := auth.BearerToken(c.Request.Header.Get("Authorization"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	userID, _ := auth.GetUserID(c.Request.Context())
	m := h.factory(userID, verification.Config{
		AuthToken:     token,
		User:          req.User,
		Customization: req.Customization,
	})

	if err := m.Start(c.Request.Context()); err != nil {
		h.logger.Error("flow start failed", zap.Error(err))
		c.JSON(statusForFlowError(err), gin.H{"error": err.Error()})
		return
	}

	h.mu.Lock()
	h.flows[m.FlowID()] = m
	h.mu.Unlock()

	c.JSON(http.StatusCreated, m.Snapshot())
}

func (h *Handler) submitDocument(c *gin.Context) {
	m, ok := h.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}

	side := verification.DocumentSide(c.Param("side"))
	if side != verification.SideFront && side != verification.SideBack {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be front or back"})
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	if err := m.SubmitDocument(c.Request.Context(), side, data); err != nil {
		c.JSON(statusForFlowError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h *Handler) completeLiveness(c *gin.Context) {
	m, ok := h.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}

	if err := m.CompleteLiveness(c.Request.Context()); err != nil {
		var rejectErr *kycapi.RejectedError
		var timeoutErr *kycapi.TimeoutError
		if errors.As(err, &rejectErr) || errors.As(err, &timeoutErr) {
			// Terminal outcomes, not transport failures: the snapshot
			// carries the verdict.
			c.JSON(http.StatusOK, m.Snapshot())
			return
		}
		c.JSON(statusForFlowError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h *Handler) getFlow(c *gin.Context) {
	id := c.Param("id")
	if m, ok := h.lookup(id); ok {
		c.JSON(http.StatusOK, m.Snapshot())
		return
	}

	// Flow not in this process; fall back to the persisted snapshot.
	if h.store != nil {
		snap, err := h.store.Load(c.Request.Context(), id)
		if err == nil {
			c.JSON(http.StatusOK, snap)
			return
		}
		if !errors.Is(err, sessionstore.ErrNotFound) {
			h.logger.Error("snapshot load failed", zap.String("flow_id", id), zap.Error(err))
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
}

func (h *Handler) cancelFlow(c *gin.Context) {
	m, ok := h.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	m.Cancel()
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h *Handler) lookup(flowID string) (*verification.Machine, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.flows[flowID]
	return m, ok
}

// statusForFlowError maps the core error taxonomy onto HTTP statuses for the
// UI: fatal setup problems read as upstream failures, transport trouble as
// temporarily unavailable, step misuse as a conflict.
func statusForFlowError(err error) int {
	var sessErr *verification.SessionError
	if errors.As(err, &sessErr) {
		return http.StatusBadGateway
	}
	var authErr *kycapi.AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized
	}
	var netErr *kycapi.NetworkError
	var srvErr *kycapi.ServerError
	if errors.As(err, &netErr) || errors.As(err, &srvErr) {
		return http.StatusServiceUnavailable
	}
	return http.StatusConflict
}
