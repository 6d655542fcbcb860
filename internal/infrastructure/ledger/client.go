// Package ledger provides the settlement capability used by the escrow
// engine: an HTTP client for the transaction API and an in-process simulator.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/internal/config"
	"github.com/fastygo/escrow/usecase"
)

var _ usecase.Ledger = (*Client)(nil)

// Client talks to the transaction API. Every request carries the API key and
// is paced by a token bucket shared across callers.
type Client struct {
	http    *fasthttp.Client
	baseURL string
	apiKey  string
	network string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(cfg config.LedgerConfig, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("ledger: base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		http: &fasthttp.Client{
			Name:                "escrow-ledger-client",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		network: cfg.Network,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

type buildRequest struct {
	EscrowID   string                 `json:"escrowId"`
	ContractID string                 `json:"contractId,omitempty"`
	Signer     string                 `json:"signer"`
	Network    string                 `json:"network,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

type signRequest struct {
	UnsignedTransaction string `json:"unsignedTransaction"`
	Signer              string `json:"signer"`
}

// apiError is the body of a non-2xx response.
type apiError struct {
	ErrorCode string `json:"errorCode"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

func (c *Client) Build(ctx context.Context, op domain.LedgerOperation) (domain.UnsignedTransaction, error) {
	var out domain.UnsignedTransaction
	body := buildRequest{
		EscrowID:   op.EscrowID,
		ContractID: op.ContractID,
		Signer:     op.Signer,
		Network:    c.network,
		Payload:    op.Payload,
	}
	if err := c.do(ctx, fasthttp.MethodPost, "/escrow/"+url.PathEscape(string(op.Kind)), body, &out); err != nil {
		return out, err
	}
	if out.XDR == "" {
		return out, fmt.Errorf("ledger: build %s returned no transaction", op.Kind)
	}
	return out, nil
}

func (c *Client) Sign(ctx context.Context, tx domain.UnsignedTransaction, signer string) (domain.SignedTransaction, error) {
	var out domain.SignedTransaction
	if err := c.do(ctx, fasthttp.MethodPost, "/sign", signRequest{UnsignedTransaction: tx.XDR, Signer: signer}, &out); err != nil {
		return out, err
	}
	if out.XDR == "" {
		return out, fmt.Errorf("ledger: sign returned no transaction")
	}
	return out, nil
}

func (c *Client) Submit(ctx context.Context, tx domain.SignedTransaction) (domain.SubmitResult, error) {
	var out domain.SubmitResult
	err := c.do(ctx, fasthttp.MethodPost, "/submit", tx, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, hash string) (domain.SubmitResult, error) {
	var out domain.SubmitResult
	if strings.TrimSpace(hash) == "" {
		return out, fmt.Errorf("ledger: transaction hash is required")
	}
	err := c.do(ctx, fasthttp.MethodGet, "/tx/"+url.PathEscape(hash), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger %s: %w", path, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ledger %s: encode request: %w", path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(buf)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	started := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ledger %s: %w", path, ctx.Err())
		}
		return fmt.Errorf("ledger %s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	body := resp.Body()
	c.logger.Debug("ledger request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("elapsed", time.Since(started)))

	if status < 200 || status >= 300 {
		return decodeError(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ledger %s: decode response: %w", path, err)
	}
	return nil
}

// decodeError turns a rejected request into a LedgerError. Bodies that are
// not JSON are reported verbatim.
func decodeError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	code := apiErr.ErrorCode
	if code == "" {
		code = apiErr.Code
	}
	message := apiErr.Message
	if message == "" {
		message = apiErr.Error
	}
	if message == "" {
		message = fmt.Sprintf("ledger responded with status %d", status)
	}
	return domain.NewLedgerError(code, message, "")
}
