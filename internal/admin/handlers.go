// Package admin exposes the operator HTTP surface over tenant configuration,
// credits and invoices.
package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"zapbot/internal/invoices"
	"zapbot/internal/ledger"
	"zapbot/internal/tenants"
	"zapbot/pkg/logging"
)

type Tenants interface {
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, npub string) (*tenants.Config, error)
	Update(ctx context.Context, npub string, fn func(*tenants.Config) error) (*tenants.Config, error)
}

type Ledger interface {
	Balance(ctx context.Context, tenant string) (int64, error)
	Summary(ctx context.Context, tenant string) (ledger.Summary, error)
}

type Invoices interface {
	RequestCredits(ctx context.Context, npub string, amount int64) (*invoices.Record, error)
	Outstanding() ([]invoices.Record, error)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Npub    string `json:"npub"`
	Enabled bool   `json:"enabled"`
	Balance int64  `json:"balance"`
	Report  string `json:"report"`
}

type CreditRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

type Handlers struct {
	tenants       Tenants
	ledger        Ledger
	invoices      Invoices
	defaultRelays []string
	logger        logging.Logger
}

func New(t Tenants, l Ledger, inv Invoices, defaultRelays []string, logger logging.Logger) *Handlers {
	return &Handlers{
		tenants:       t,
		ledger:        l,
		invoices:      inv,
		defaultRelays: defaultRelays,
		logger:        logging.OrDiscard(logger),
	}
}

// Register mounts the routes on r.
func (h *Handlers) Register(r gin.IRoutes) {
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:npub", h.GetStatus)
	r.POST("/tenants/:npub/enable", h.Enable)
	r.POST("/tenants/:npub/disable", h.Disable)
	r.POST("/tenants/:npub/credits", h.RequestCredits)
	r.GET("/invoices", h.ListInvoices)
}

func (h *Handlers) ListTenants(c *gin.Context) {
	npubs, err := h.tenants.List(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list tenants")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list tenants"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": npubs})
}

func (h *Handlers) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	npub := c.Param("npub")

	cfg, err := h.tenants.Load(ctx, npub)
	if err != nil {
		h.storeError(c, npub, err)
		return
	}
	summary, err := h.ledger.Summary(ctx, npub)
	if err != nil {
		h.logger.WithError(err).WithField("tenant", npub).Error("Failed to summarize ledger")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read credits"})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Npub:    npub,
		Enabled: cfg.Enabled,
		Balance: summary.BalanceMCredits / 1000,
		Report:  tenants.StatusReport(cfg, h.defaultRelays, summary),
	})
}

func (h *Handlers) Enable(c *gin.Context) {
	ctx := c.Request.Context()
	npub := c.Param("npub")

	balance, err := h.ledger.Balance(ctx, npub)
	if err != nil {
		h.logger.WithError(err).WithField("tenant", npub).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read credits"})
		return
	}

	var invalid error
	_, err = h.tenants.Update(ctx, npub, func(cfg *tenants.Config) error {
		if invalid = tenants.ValidateForEnable(cfg, h.defaultRelays, balance); invalid != nil {
			return invalid
		}
		cfg.Enabled = true
		return nil
	})
	if invalid != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: invalid.Error()})
		return
	}
	if err != nil {
		h.storeError(c, npub, err)
		return
	}

	h.logger.WithField("tenant", npub).Info("Bot enabled")
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (h *Handlers) Disable(c *gin.Context) {
	npub := c.Param("npub")
	if _, err := h.tenants.Update(c.Request.Context(), npub, func(cfg *tenants.Config) error {
		cfg.Enabled = false
		return nil
	}); err != nil {
		h.storeError(c, npub, err)
		return
	}

	h.logger.WithField("tenant", npub).Info("Bot disabled")
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

func (h *Handlers) RequestCredits(c *gin.Context) {
	npub := c.Param("npub")

	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	rec, err := h.invoices.RequestCredits(c.Request.Context(), npub, req.Amount)
	switch {
	case errors.Is(err, invoices.ErrOutstandingInvoice):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "invoice": rec})
	case errors.Is(err, invoices.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, tenants.ErrInvalidNpub):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case err != nil:
		h.logger.WithError(err).WithField("tenant", npub).Error("Failed to create invoice")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "Unable to create an invoice at this time"})
	default:
		c.JSON(http.StatusCreated, rec)
	}
}

func (h *Handlers) ListInvoices(c *gin.Context) {
	outstanding, err := h.invoices.Outstanding()
	if err != nil {
		h.logger.WithError(err).Error("Failed to read outstanding invoices")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read invoices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": outstanding})
}

func (h *Handlers) storeError(c *gin.Context, npub string, err error) {
	if errors.Is(err, tenants.ErrInvalidNpub) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	h.logger.WithError(err).WithField("tenant", npub).Error("Tenant store failure")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Tenant store failure"})
}
