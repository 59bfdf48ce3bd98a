// Package lightning is a client for the LND REST gateway covering invoice
// creation and lookup, payment request decoding, and payment dispatch and
// tracking over the router's streaming endpoints.
package lightning

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"zapbot/pkg/clients"
	"zapbot/pkg/logging"
)

const (
	DefaultFeeLimitSat    = 2
	DefaultPaymentTimeout = 30 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 30 * time.Second

	macaroonHeader = "Grpc-Metadata-macaroon"
	maxStreamLine  = 1 << 20
)

// Config configures the LND REST connection.
type Config struct {
	Address  string
	Port     int
	Macaroon string

	// TLSCertPath pins the node's self-signed certificate. TLSSkipVerify
	// disables verification entirely when no certificate is available.
	TLSCertPath   string
	TLSSkipVerify bool

	FeeLimitSat    int64
	PaymentTimeout time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// TorProxy is used for .onion addresses.
	TorProxy string

	CircuitBreaker *clients.CircuitBreakerConfig
}

// Client talks to one LND node.
type Client struct {
	baseURL        string
	macaroon       string
	httpClient     *http.Client
	reads          failsafe.Executor[*http.Response]
	writes         failsafe.Executor[*http.Response]
	feeLimitSat    int64
	paymentTimeout time.Duration
	readTimeout    time.Duration
	logger         logging.Logger
}

// NewClient validates cfg and builds the HTTP transport.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("lnd address is required")
	}
	if cfg.Macaroon == "" {
		return nil, fmt.Errorf("lnd macaroon is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.FeeLimitSat <= 0 {
		cfg.FeeLimitSat = DefaultFeeLimitSat
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = DefaultPaymentTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	tcfg := clients.TransportConfig{
		ConnectTimeout:        cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout + cfg.PaymentTimeout,
		TLSConfig:             tlsConfig,
	}
	var transport *http.Transport
	if clients.IsOnion(cfg.Address) {
		transport, err = clients.TorTransport(cfg.TorProxy, tcfg)
		if err != nil {
			return nil, err
		}
	} else {
		transport = clients.NewTransport(tcfg)
	}

	breaker := cfg.CircuitBreaker
	if breaker == nil {
		def := clients.DefaultCircuitBreakerConfig()
		def.Name = "lnd"
		def.Logger = logger
		breaker = &def
	}
	reads := clients.DefaultHTTPExecutorConfig()
	reads.CircuitBreaker = breaker
	writes := clients.HTTPExecutorConfig{ShouldRetry: clients.NeverRetry}

	return &Client{
		baseURL:        "https://" + net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		macaroon:       cfg.Macaroon,
		httpClient:     &http.Client{Transport: transport},
		reads:          clients.NewHTTPExecutor(reads),
		writes:         clients.NewHTTPExecutor(writes),
		feeLimitSat:    cfg.FeeLimitSat,
		paymentTimeout: cfg.PaymentTimeout,
		readTimeout:    cfg.ReadTimeout,
		logger:         logging.OrDiscard(logger),
	}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case cfg.TLSCertPath != "":
		pem, err := os.ReadFile(cfg.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("read lnd tls cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCertPath)
		}
		tlsConfig.RootCAs = pool
	case cfg.TLSSkipVerify:
		tlsConfig.InsecureSkipVerify = true //nolint:gosec // self-signed node certificate
	}
	return tlsConfig, nil
}

// FeeLimitSat is the routing fee cap applied to every payment.
func (c *Client) FeeLimitSat() int64 {
	return c.feeLimitSat
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set(macaroonHeader, c.macaroon)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("lnd returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, executor failsafe.Executor[*http.Response], method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	resp, err := clients.ExecuteHTTP(ctx, executor, func() (*http.Response, error) {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Message == "permission denied" {
			c.logger.WithField("path", path).Warn("LND reports permission denied. Check macaroon permissions")
		}
		return &apiError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Ping checks the node is reachable and the macaroon is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, c.reads, http.MethodGet, "/v1/getinfo", nil, nil)
}

// CreateInvoice creates an invoice for amountSat with a fresh random preimage.
func (c *Client) CreateInvoice(ctx context.Context, amountSat int64, memo string, expiry time.Duration) (*Invoice, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("generate preimage: %w", err)
	}
	req := map[string]any{
		"memo":       memo,
		"r_preimage": base64.StdEncoding.EncodeToString(preimage),
		"value":      amountSat,
		"expiry":     int64(expiry / time.Second),
	}
	var inv Invoice
	if err := c.do(ctx, c.writes, http.MethodPost, "/v1/invoices", req, &inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	if inv.PaymentRequest == "" {
		return nil, fmt.Errorf("create invoice: response has no payment_request")
	}
	return &inv, nil
}

// decodeHash accepts a payment hash as hex or as standard or URL-safe base64.
func decodeHash(hash string) ([]byte, error) {
	if len(hash) == 64 {
		if b, err := hex.DecodeString(hash); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(hash); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(hash); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("payment hash %q is neither hex nor base64", hash)
}

// LookupInvoice reports the state of the invoice with paymentHash.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceStatus, error) {
	raw, err := decodeHash(paymentHash)
	if err != nil {
		return nil, err
	}
	path := "/v2/invoices/lookup?payment_hash=" + url.QueryEscape(base64.URLEncoding.EncodeToString(raw))
	var st InvoiceStatus
	if err := c.do(ctx, c.reads, http.MethodGet, path, nil, &st); err != nil {
		return nil, fmt.Errorf("lookup invoice: %w", err)
	}
	return &st, nil
}

// DecodeInvoice decodes a BOLT11 payment request.
func (c *Client) DecodeInvoice(ctx context.Context, paymentRequest string) (*DecodedInvoice, error) {
	var d DecodedInvoice
	if err := c.do(ctx, c.reads, http.MethodGet, "/v1/payreq/"+url.PathEscape(paymentRequest), nil, &d); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	return &d, nil
}

// PayInvoice dispatches a payment and follows the router stream. It never
// fails: transport problems are reported as pseudo-statuses because the
// caller has already committed to accounting for the attempt.
func (c *Client) PayInvoice(ctx context.Context, paymentRequest string) Payment {
	result := Payment{Status: StatusUnknownPaying}

	body, _ := json.Marshal(map[string]any{
		"payment_request": paymentRequest,
		"fee_limit_sat":   c.feeLimitSat,
		"timeout_seconds": int64(c.paymentTimeout / time.Second),
	})

	ctx, cancel := context.WithTimeout(ctx, c.paymentTimeout+c.readTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, "/v2/router/send", body)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to build payment request")
		return result
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to dispatch payment")
		return result
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WithField("status_code", resp.StatusCode).Warn("LND rejected payment request")
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		line, err := decodeStreamLine(raw)
		if err != nil {
			c.logger.WithError(err).Warn("Malformed payment stream line")
			return c.timedOut(result)
		}
		if line.FeeMsat != nil {
			result.FeeMsat = int64(*line.FeeMsat)
		}
		if line.PaymentHash != "" {
			if result.PaymentHash != "" && result.PaymentHash != line.PaymentHash {
				c.logger.WithFields(logging.Fields{
					"from": result.PaymentHash,
					"to":   line.PaymentHash,
				}).Info("Payment hash changed")
			}
			result.PaymentHash = line.PaymentHash
		}
		if line.PaymentIndex != nil {
			result.PaymentIndex = int64(*line.PaymentIndex)
		}
		if line.Status != nil {
			result.Status = *line.Status
		}
		c.logPaymentUpdate(result, line)
	}
	if err := scanner.Err(); err != nil {
		c.logger.WithError(err).Warn("Payment stream interrupted")
		return c.timedOut(result)
	}
	return result
}

// timedOut books the worst-case fee; the sweeper corrects it later.
func (c *Client) timedOut(p Payment) Payment {
	p.Status = StatusTimeout
	p.FeeMsat = c.feeLimitSat * 1000
	return p
}

func (c *Client) logPaymentUpdate(p Payment, line streamLine) {
	entry := c.logger.WithFields(logging.Fields{
		"status":       p.Status,
		"fee_msat":     p.FeeMsat,
		"payment_hash": p.PaymentHash,
	})
	switch p.Status {
	case StatusSucceeded, StatusInFlight:
		entry.Debug("Payment update")
	case StatusFailed:
		reason := line.FailureReason
		if reason == "" {
			reason = "unknown failure reason"
		}
		entry.WithField("failure_reason", reason).Warn("Payment failed")
	default:
		entry.WithField("message", line.Message).Info("Payment update")
	}
}

// TrackPayment reports the current state of the payment with paymentHash.
// Only the first line of the stream is read; with no_inflight_updates the
// first line is already final for settled payments.
func (c *Client) TrackPayment(ctx context.Context, paymentHash string) Tracked {
	raw, err := decodeHash(paymentHash)
	if err != nil {
		c.logger.WithError(err).Warn("Invalid payment hash for tracking")
		return Tracked{Status: StatusNotFound}
	}

	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	path := "/v2/router/track/" + url.PathEscape(base64.URLEncoding.EncodeToString(raw)) + "?no_inflight_updates=true"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Tracked{Status: StatusTimeout}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Warn("Error tracking payment")
		return Tracked{Status: StatusTimeout}
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		rawLine := bytes.TrimSpace(scanner.Bytes())
		if len(rawLine) == 0 {
			continue
		}
		line, err := decodeStreamLine(rawLine)
		if err != nil {
			c.logger.WithError(err).Warn("Malformed tracking stream line")
			return Tracked{Status: StatusTimeout}
		}
		if line.Message != "" {
			c.logger.WithField("message", line.Message).Info("Tracking message")
		}
		if line.Status == nil {
			return Tracked{Status: StatusNotFound}
		}
		t := Tracked{Status: *line.Status}
		if t.Status == StatusFailed {
			c.logger.WithField("failure_reason", strings.TrimSpace(line.FailureReason)).Warn("Tracked payment failed")
		}
		if line.FeeMsat != nil {
			fee := int64(*line.FeeMsat)
			t.FeeMsat = &fee
		}
		return t
	}
	if err := scanner.Err(); err != nil {
		c.logger.WithError(err).Warn("Tracking stream interrupted")
		return Tracked{Status: StatusTimeout}
	}
	return Tracked{Status: StatusUnknownTracking}
}
