package evmclob

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/dkelsey/courtedge/exchange"
)

const venueName = "evm_clob"

// Config wires one adapter instance.
type Config struct {
	BaseURL       string
	WSURL         string // optional live midpoint stream
	PrivateKeyHex string // wallet key, empty allowed only in dry-run
	DryRun        bool
}

// Client is the EVM CLOB adapter for one funded wallet.
type Client struct {
	http      *resty.Client
	signer    *OrderSigner
	credCache credCache
	breaker   *exchange.Breaker
	dryRun    bool

	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter

	wsURL  string
	feed   *Feed
	prices *priceCache // fed by the websocket feed when enabled
}

// New creates the adapter. The wallet key is parsed eagerly so a bad key
// surfaces at construction, not at first order.
func New(cfg Config) (*Client, error) {
	var key *ecdsa.PrivateKey
	if cfg.PrivateKeyHex != "" {
		var err error
		key, err = crypto.HexToECDSA(cfg.PrivateKeyHex)
		if err != nil {
			return nil, exchange.NewError(exchange.KindAuth, venueName, "init",
				fmt.Errorf("invalid private key: %w", err))
		}
	} else if !cfg.DryRun {
		return nil, exchange.NewError(exchange.KindAuth, venueName, "init",
			fmt.Errorf("live mode requires a wallet key"))
	}

	c := &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		breaker:      exchange.NewBreaker(venueName),
		dryRun:       cfg.DryRun,
		wsURL:        cfg.WSURL,
		readLimiter:  rate.NewLimiter(rate.Limit(15), 30),
		writeLimiter: rate.NewLimiter(rate.Limit(10), 20),
		prices:       newPriceCache(),
	}
	if key != nil {
		c.signer = NewOrderSigner(key)
	}
	return c, nil
}

// Name identifies the venue for error tags and recovery_source fields.
func (c *Client) Name() string { return venueName }

// DryRun reports whether order placement is simulated.
func (c *Client) DryRun() bool { return c.dryRun }

// get performs an unauthenticated read with retry and the breaker. Public
// market endpoints on this venue need no signature.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return exchange.Do(ctx, c.breaker, venueName, path, func(ctx context.Context) error {
		if err := c.readLimiter.Wait(ctx); err != nil {
			return exchange.NewError(exchange.KindTransport, venueName, path, err)
		}
		resp, err := c.http.R().SetContext(ctx).SetResult(out).Get(path)
		if err != nil {
			return exchange.NewError(exchange.KindTransport, venueName, path, err)
		}
		return c.checkStatus(resp, path)
	})
}

// doAuthed performs an L2-authenticated request. Headers are rebuilt on every
// attempt so the HMAC timestamp stays fresh.
func (c *Client) doAuthed(ctx context.Context, method, path string, body any, out any) error {
	creds, err := c.ensureCreds(ctx)
	if err != nil {
		return err
	}

	var bodyStr string
	if body != nil {
		data, merr := json.Marshal(body)
		if merr != nil {
			return exchange.NewError(exchange.KindValidation, venueName, path, merr)
		}
		bodyStr = string(data)
	}

	lim := c.readLimiter
	if method != http.MethodGet {
		lim = c.writeLimiter
	}

	return exchange.Do(ctx, c.breaker, venueName, path, func(ctx context.Context) error {
		if err := lim.Wait(ctx); err != nil {
			return exchange.NewError(exchange.KindTransport, venueName, path, err)
		}

		headers, herr := c.l2Headers(creds, method, path, bodyStr)
		if herr != nil {
			return exchange.NewError(exchange.KindAuth, venueName, path, herr)
		}

		req := c.http.R().SetContext(ctx).SetHeaders(headers)
		if bodyStr != "" {
			req.SetBody(bodyStr)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, rerr := req.Execute(method, path)
		if rerr != nil {
			return exchange.NewError(exchange.KindTransport, venueName, path, rerr)
		}
		return c.checkStatus(resp, path)
	})
}

func (c *Client) checkStatus(resp *resty.Response, op string) error {
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}
	e := &exchange.Error{
		Kind:  exchange.KindForStatus(status),
		Venue: venueName,
		Op:    op,
		Err:   fmt.Errorf("status %d: %s", status, resp.String()),
	}
	if e.Kind == exchange.KindRateLimit {
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return e
}

type balanceResponse struct {
	Balance string `json:"balance"` // USDC, 6-decimal units
}

// GetBalance returns the wallet's collateral balance in USD.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp balanceResponse
	if err := c.doAuthed(ctx, http.MethodGet, "/balance-allowance?asset_type=COLLATERAL", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	raw, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, exchange.NewError(exchange.KindValidation, venueName, "balance",
			fmt.Errorf("bad balance %q: %w", resp.Balance, err))
	}
	return raw.Div(decimal.NewFromInt(1_000_000)), nil
}
