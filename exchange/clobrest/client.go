package clobrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/dkelsey/courtedge/exchange"
)

const venueName = "clob_rest"

// Client talks to the signed REST CLOB. One client per funded account; the
// signer carries that account's key.
type Client struct {
	http    *resty.Client
	signer  *Signer
	breaker *exchange.Breaker
	dryRun  bool

	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

// Config wires one adapter instance.
type Config struct {
	BaseURL        string
	KeyID          string
	PrivateKeyPath string // empty allowed only in dry-run
	DryRun         bool
}

// New creates an adapter for one account. The signing key is loaded eagerly
// so a bad key path surfaces at construction.
func New(cfg Config) (*Client, error) {
	signer, err := NewSignerFromFile(cfg.KeyID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, exchange.NewError(exchange.KindAuth, venueName, "init", err)
	}
	if signer == nil && !cfg.DryRun {
		return nil, exchange.NewError(exchange.KindAuth, venueName, "init",
			fmt.Errorf("live mode requires a signing key"))
	}
	if signer == nil {
		signer = NewSigner(cfg.KeyID, nil)
	}

	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:         httpc,
		signer:       signer,
		breaker:      exchange.NewBreaker(venueName),
		dryRun:       cfg.DryRun,
		readLimiter:  rate.NewLimiter(rate.Limit(20), 20),
		writeLimiter: rate.NewLimiter(rate.Limit(10), 10),
	}, nil
}

// Name identifies the venue for error tags and recovery_source fields.
func (c *Client) Name() string { return venueName }

// DryRun reports whether order placement is simulated.
func (c *Client) DryRun() bool { return c.dryRun }

// do executes one signed request with rate limiting and maps failures to
// tagged errors. The body is the already-marshalled JSON payload (empty for
// GET/DELETE) so the signature covers exactly what goes on the wire.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	lim := c.readLimiter
	if method != http.MethodGet {
		lim = c.writeLimiter
	}
	if err := lim.Wait(ctx); err != nil {
		return exchange.NewError(exchange.KindTransport, venueName, path, err)
	}

	var bodyStr string
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return exchange.NewError(exchange.KindValidation, venueName, path, fmt.Errorf("marshal body: %w", err))
		}
		bodyStr = string(data)
	}

	req := c.http.R().SetContext(ctx)
	if bodyStr != "" {
		req.SetBody(bodyStr)
	}
	if out != nil {
		req.SetResult(out)
	}

	if c.signer.Enabled() {
		ts, sig, err := c.signer.Sign(method, path, bodyStr)
		if err != nil {
			return exchange.NewError(exchange.KindAuth, venueName, path, err)
		}
		req.SetHeader("KEY-ID", c.signer.KeyID())
		req.SetHeader("SIGNATURE", sig)
		req.SetHeader("TIMESTAMP", ts)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return exchange.NewError(exchange.KindTransport, venueName, path, err)
	}

	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}

	kind := exchange.KindForStatus(status)
	e := &exchange.Error{
		Kind:  kind,
		Venue: venueName,
		Op:    path,
		Err:   fmt.Errorf("status %d: %s", status, resp.String()),
	}
	if kind == exchange.KindRateLimit {
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	if kind == exchange.KindValidation && looksLikeInsufficientBalance(resp.String()) {
		e.Kind = exchange.KindInsufficientBalance
	}

	log.Debug().
		Str("venue", venueName).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Msg("Request failed")

	return e
}

// get is do() under retry and the breaker, for read endpoints.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return exchange.Do(ctx, c.breaker, venueName, path, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// WIRE FORMAT HELPERS - integer cents <-> [0,1] decimals
// ═══════════════════════════════════════════════════════════════════════════════

var oneHundred = decimal.NewFromInt(100)

// centsToPrice converts wire-format integer cents to a [0,1] price.
func centsToPrice(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(oneHundred)
}

// priceToCents converts a [0,1] price to wire-format integer cents, rounding
// to the nearest cent.
func priceToCents(price decimal.Decimal) int64 {
	return price.Mul(oneHundred).Round(0).IntPart()
}

func looksLikeInsufficientBalance(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "insufficient_balance") ||
		strings.Contains(lower, "insufficient balance") ||
		strings.Contains(lower, "insufficient funds")
}
