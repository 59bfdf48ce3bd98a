package invoices

import (
	"context"
	"time"

	"zapbot/pkg/logging"
)

const DefaultCheckInterval = 30 * time.Second

// Checker runs CheckInvoices on a ticker.
type Checker struct {
	service  *Service
	interval time.Duration
	logger   logging.Logger
	stopCh   chan struct{}
}

func NewChecker(service *Service, interval time.Duration, logger logging.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Checker{
		service:  service,
		interval: interval,
		logger:   logging.OrDiscard(logger),
		stopCh:   make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	c.logger.WithField("interval", c.interval.String()).Info("Starting invoice checker")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Invoice checker stopping due to context cancellation")
			return
		case <-c.stopCh:
			c.logger.Info("Invoice checker stopping")
			return
		case <-ticker.C:
			if err := c.service.CheckInvoices(ctx); err != nil {
				c.logger.WithError(err).Error("Invoice check failed")
			}
		}
	}
}

func (c *Checker) Stop() {
	close(c.stopCh)
}
