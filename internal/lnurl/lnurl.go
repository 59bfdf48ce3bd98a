// Package lnurl resolves lightning addresses through LNURL-pay and requests
// zap invoices from the provider's callback (NIP-57).
package lnurl

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/failsafe-go/failsafe-go"

	"zapbot/pkg/clients"
	"zapbot/pkg/logging"
)

var (
	ErrInvalidAddress   = errors.New("lightning address is not in user@domain format")
	ErrProviderDenied   = errors.New("lnurl provider is on the deny list")
	ErrUnreachable      = errors.New("lnurl provider unreachable or returned an invalid response")
	ErrNostrUnsupported = errors.New("lnurl provider does not allow nostr zaps")
	ErrMissingFields    = errors.New("lnurl pay info lacks callback, minSendable or maxSendable")
	ErrAmountOutOfRange = errors.New("amount is outside the provider's sendable range")
	ErrInvalidInvoice   = errors.New("lnurl provider did not return a valid invoice")
)

const maxResponseBytes = 1 << 20

// Config configures provider access.
type Config struct {
	DenyProviders  []string
	TorProxy       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// TLSConfig overrides the system roots, used to trust test servers.
	TLSConfig *tls.Config
	// CircuitBreaker is the template for the breaker kept per provider domain.
	CircuitBreaker *clients.CircuitBreakerConfig
}

// PayInfo is a validated LNURL-pay response.
type PayInfo struct {
	Address     string
	URL         string
	LNURL       string
	Callback    string
	MinSendable int64
	MaxSendable int64
	NostrPubkey string
	Metadata    string
}

// InvoiceResponse is the callback's answer to a zap request.
type InvoiceResponse struct {
	PR     string `json:"pr"`
	Verify string `json:"verify,omitempty"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Client talks to LNURL-pay providers.
type Client struct {
	clearnet    *http.Client
	tor         *http.Client
	deny        map[string]struct{}
	readTimeout time.Duration
	breaker     clients.CircuitBreakerConfig
	logger      logging.Logger

	mu        sync.Mutex
	executors map[string]failsafe.Executor[*http.Response]
}

// NewClient builds clearnet and tor HTTP clients.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	tcfg := clients.TransportConfig{
		ConnectTimeout:        cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		TLSConfig:             cfg.TLSConfig,
	}
	torTransport, err := clients.TorTransport(cfg.TorProxy, tcfg)
	if err != nil {
		return nil, err
	}

	breaker := clients.DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		breaker = *cfg.CircuitBreaker
	}
	if breaker.Logger == nil {
		breaker.Logger = logger
	}

	deny := make(map[string]struct{}, len(cfg.DenyProviders))
	for _, d := range cfg.DenyProviders {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			deny[d] = struct{}{}
		}
	}

	return &Client{
		clearnet:    &http.Client{Transport: clients.NewTransport(tcfg)},
		tor:         &http.Client{Transport: torTransport},
		deny:        deny,
		readTimeout: cfg.ReadTimeout,
		breaker:     breaker,
		logger:      logging.OrDiscard(logger),
		executors:   make(map[string]failsafe.Executor[*http.Response]),
	}, nil
}

// SplitAddress splits a lightning address into user and domain.
func SplitAddress(address string) (user, domain string, err error) {
	parts := strings.Split(strings.TrimSpace(address), "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidAddress
	}
	user, domain = parts[0], strings.ToLower(parts[1])
	if strings.ContainsAny(user, "/?#") || strings.ContainsAny(domain, "/?#") {
		return "", "", ErrInvalidAddress
	}
	return user, domain, nil
}

// PayURL is the LNURL-pay well-known URL for a lightning address. Tor
// hidden services are reached over plain http.
func PayURL(address string) (string, error) {
	user, domain, err := SplitAddress(address)
	if err != nil {
		return "", err
	}
	scheme := "https"
	if clients.IsOnion(domain) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", scheme, domain, user), nil
}

// EncodeLNURL bech32-encodes rawURL with the "lnurl" prefix.
func EncodeLNURL(rawURL string) (string, error) {
	conv, err := bech32.ConvertBits([]byte(rawURL), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert lnurl bits: %w", err)
	}
	enc, err := bech32.Encode("lnurl", conv)
	if err != nil {
		return "", fmt.Errorf("encode lnurl: %w", err)
	}
	return enc, nil
}

// Denied reports whether the address's provider is on the deny list.
func (c *Client) Denied(address string) bool {
	_, domain, err := SplitAddress(address)
	if err != nil {
		return false
	}
	_, ok := c.deny[domain]
	return ok
}

func (c *Client) executor(host string) failsafe.Executor[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.executors[host]
	if !ok {
		cb := c.breaker
		cb.Name = "lnurl:" + host
		ex = clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			ShouldRetry:    clients.NeverRetry,
			CircuitBreaker: &cb,
		})
		c.executors[host] = ex
	}
	return ex
}

// getJSON fetches rawURL into out. Every failure maps to ErrUnreachable.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	httpClient := c.clearnet
	if clients.IsOnion(u.Host) {
		httpClient = c.tor
	}

	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	resp, err := clients.ExecuteHTTP(ctx, c.executor(u.Host), func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

type payResponse struct {
	Callback    *string      `json:"callback"`
	MinSendable *json.Number `json:"minSendable"`
	MaxSendable *json.Number `json:"maxSendable"`
	AllowsNostr *bool        `json:"allowsNostr"`
	NostrPubkey string       `json:"nostrPubkey"`
	Metadata    string       `json:"metadata"`
	Tag         string       `json:"tag"`
}

func parseMsat(n *json.Number) (int64, bool) {
	if n == nil {
		return 0, false
	}
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// ResolvePayInfo fetches and validates the pay info for address. It fails
// closed with one of the package's sentinel errors.
func (c *Client) ResolvePayInfo(ctx context.Context, address string, amountSat int64) (*PayInfo, error) {
	payURL, err := PayURL(address)
	if err != nil {
		return nil, err
	}
	if c.Denied(address) {
		return nil, ErrProviderDenied
	}

	var pr payResponse
	if err := c.getJSON(ctx, payURL, &pr); err != nil {
		c.logger.WithError(err).WithField("lightning_id", address).Warn("Could not get LNURL info")
		return nil, err
	}

	log := c.logger.WithField("lightning_id", address)
	if pr.AllowsNostr == nil || !*pr.AllowsNostr {
		log.Debug("LN provider does not allow nostr. Zap not supported")
		return nil, ErrNostrUnsupported
	}
	if pr.NostrPubkey == "" {
		log.Warn("LN provider does not have nostrPubkey. Publisher of receipt could be anyone")
	}
	minSendable, okMin := parseMsat(pr.MinSendable)
	maxSendable, okMax := parseMsat(pr.MaxSendable)
	if pr.Callback == nil || *pr.Callback == "" || !okMin || !okMax {
		log.Debug("LN provider lacks callback, minSendable or maxSendable")
		return nil, ErrMissingFields
	}
	msat := amountSat * 1000
	if msat < minSendable || msat > maxSendable {
		log.WithFields(logging.Fields{
			"amount_msat":  msat,
			"min_sendable": minSendable,
			"max_sendable": maxSendable,
		}).Debug("Amount outside provider range")
		return nil, ErrAmountOutOfRange
	}

	encoded, err := EncodeLNURL(payURL)
	if err != nil {
		return nil, err
	}
	return &PayInfo{
		Address:     address,
		URL:         payURL,
		LNURL:       encoded,
		Callback:    *pr.Callback,
		MinSendable: minSendable,
		MaxSendable: maxSendable,
		NostrPubkey: pr.NostrPubkey,
		Metadata:    pr.Metadata,
	}, nil
}

// CallbackURL appends the zap request parameters to the callback.
func CallbackURL(callback string, amountSat int64, zapRequestJSON []byte, lnurl string) string {
	sep := "?"
	if strings.Contains(callback, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%samount=%d&nostr=%s&lnurl=%s",
		callback, sep, amountSat*1000, url.QueryEscape(string(zapRequestJSON)), lnurl)
}
