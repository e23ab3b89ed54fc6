// Package api mounts the HTTP surface: privacy operations, stream session
// control, and health. Amounts cross this boundary as decimal strings; every
// internal amount is integer micro-units.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veilpay/veilpay/internal/config"
	"github.com/veilpay/veilpay/internal/meter"
	"github.com/veilpay/veilpay/internal/money"
	"github.com/veilpay/veilpay/internal/privacy"
	"github.com/veilpay/veilpay/internal/stream"
)

const (
	defaultScanCount = 50
	maxScanCount     = 500
)

// PrivacyService is satisfied by privacy.Coordinator.
// Decoupled here so handler tests can use a stub.
type PrivacyService interface {
	MetaAddress() string
	SendPrivate(ctx context.Context, to string, amountMicro int64) (privacy.SendResult, error)
	ClaimPayment(ctx context.Context, stealthAddr, ephemeralPubHex, toAddress string) (privacy.ClaimResult, error)
	ScanAnnouncements(ctx context.Context, count int) privacy.ScanResult
	SentPayments() []privacy.StealthPayment
	UnclaimedPayments() []privacy.StealthPayment
	MarkClaimed(ctx context.Context, id string) error
}

// Handler wires up all API routes onto a Gin engine.
type Handler struct {
	privacy  PrivacyService
	streams  *stream.Registry
	defaults config.StreamConfig
	log      *zap.Logger
}

func NewHandler(p PrivacyService, streams *stream.Registry, defaults config.StreamConfig, log *zap.Logger) *Handler {
	return &Handler{privacy: p, streams: streams, defaults: defaults, log: log}
}

// Register mounts all routes. authMiddleware should already be applied to the
// group; Healthz stays outside it.
func (h *Handler) Register(rg *gin.RouterGroup) {
	priv := rg.Group("/privacy")
	priv.GET("/meta-address", h.handleMetaAddress)
	priv.POST("/send", h.handleSend)
	priv.POST("/claim", h.handleClaim)
	priv.POST("/scan", h.handleScan)
	priv.GET("/payments", h.handlePayments)
	priv.POST("/payments/:id/claimed", h.handleMarkClaimed)

	str := rg.Group("/stream")
	str.POST("", h.handleStreamStart)
	str.GET("", h.handleStreamList)
	str.GET("/:id", h.handleStreamGet)
	str.POST("/:id/pause", h.handleStreamPause)
	str.POST("/:id/resume", h.handleStreamResume)
	str.POST("/:id/stop", h.handleStreamStop)
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ── Privacy ─────────────────────────────────────────────────────────────────

func (h *Handler) handleMetaAddress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"meta_address": h.privacy.MetaAddress()})
}

type sendRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (h *Handler) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amountMicro, err := money.ParseMicro(req.Amount)
	if err != nil || amountMicro <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	res, err := h.privacy.SendPrivate(c.Request.Context(), req.To, amountMicro)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

type claimRequest struct {
	StealthAddress     string `json:"stealth_address"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	ToAddress          string `json:"to_address"`
}

func (h *Handler) handleClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.privacy.ClaimPayment(c.Request.Context(), req.StealthAddress, req.EphemeralPublicKey, req.ToAddress)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

type scanRequest struct {
	Count int `json:"count"`
}

func (h *Handler) handleScan(c *gin.Context) {
	var req scanRequest
	// An empty body means "scan with defaults".
	_ = c.ShouldBindJSON(&req)
	if req.Count <= 0 {
		req.Count = defaultScanCount
	}
	if req.Count > maxScanCount {
		req.Count = maxScanCount
	}
	c.JSON(http.StatusOK, h.privacy.ScanAnnouncements(c.Request.Context(), req.Count))
}

func (h *Handler) handlePayments(c *gin.Context) {
	payments := h.privacy.SentPayments()
	if c.Query("unclaimed") == "true" {
		payments = h.privacy.UnclaimedPayments()
	}
	if payments == nil {
		payments = []privacy.StealthPayment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handler) handleMarkClaimed(c *gin.Context) {
	if err := h.privacy.MarkClaimed(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ── Streams ─────────────────────────────────────────────────────────────────

type startStreamRequest struct {
	Endpoint        string `json:"endpoint"`
	UnitType        string `json:"unit_type"`
	RatePerUnit     string `json:"rate_per_unit"`
	BudgetMax       string `json:"budget_max"`
	MinSettleAmount string `json:"min_settle_amount"`
	Recipient       string `json:"recipient"`
}

func (h *Handler) handleStreamStart(c *gin.Context) {
	var req startStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	cfg, err := h.streamConfig(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.streams.Start(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess.Session())
}

// streamConfig merges per-request overrides over the configured defaults.
func (h *Handler) streamConfig(req startStreamRequest) (stream.Config, error) {
	pick := func(override, def string) string {
		if override != "" {
			return override
		}
		return def
	}

	unitType, err := stream.ParseUnitType(pick(req.UnitType, h.defaults.UnitType))
	if err != nil {
		return stream.Config{}, err
	}
	limits, err := parseLimits(
		pick(req.RatePerUnit, h.defaults.RatePerUnit),
		pick(req.BudgetMax, h.defaults.BudgetMax),
		pick(req.MinSettleAmount, h.defaults.MinSettleAmount),
		h.defaults.WarnAt,
	)
	if err != nil {
		return stream.Config{}, err
	}

	recipient := pick(req.Recipient, h.defaults.DefaultRecipient)
	if !common.IsHexAddress(recipient) {
		return stream.Config{}, fmt.Errorf("invalid recipient address %q", recipient)
	}

	return stream.Config{
		Endpoint:         req.Endpoint,
		UnitType:         unitType,
		Limits:           limits,
		DefaultRecipient: common.HexToAddress(recipient),
		SettleInterval:   time.Duration(h.defaults.SettleIntervalSec) * time.Second,
	}, nil
}

func (h *Handler) handleStreamList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.streams.Active()})
}

func (h *Handler) handleStreamGet(c *gin.Context) {
	sess, err := h.streams.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Session())
}

func (h *Handler) handleStreamPause(c *gin.Context) {
	h.streamTransition(c, func(s *stream.Coordinator) error { return s.Pause() })
}

func (h *Handler) handleStreamResume(c *gin.Context) {
	h.streamTransition(c, func(s *stream.Coordinator) error { return s.Resume() })
}

func (h *Handler) handleStreamStop(c *gin.Context) {
	sess, err := h.streams.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	sess.Stop()
	c.JSON(http.StatusOK, sess.Session())
}

func (h *Handler) streamTransition(c *gin.Context, fn func(*stream.Coordinator) error) {
	sess, err := h.streams.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := fn(sess); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Session())
}

// parseLimits converts the decimal-string amounts of the config surface into
// integer micro-unit limits.
func parseLimits(rate, budget, minSettle string, warnAt float64) (meter.Limits, error) {
	rateMicro, err := money.ParseMicro(rate)
	if err != nil {
		return meter.Limits{}, err
	}
	budgetMicro, err := money.ParseMicro(budget)
	if err != nil {
		return meter.Limits{}, err
	}
	minSettleMicro, err := money.ParseMicro(minSettle)
	if err != nil {
		return meter.Limits{}, err
	}
	return meter.Limits{
		RatePerUnitMicro: rateMicro,
		BudgetMaxMicro:   budgetMicro,
		MinSettleMicro:   minSettleMicro,
		WarnMicro:        int64(warnAt * float64(budgetMicro)),
	}, nil
}
