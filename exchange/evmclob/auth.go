package evmclob

// auth.go: two-level authentication.
//
//   L1: EIP-712 signature with the wallet key, sent once to derive API
//       credentials (apiKey, secret, passphrase). Cached for the process.
//   L2: HMAC-SHA256 over timestamp+method+path+body on every authed request.

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dkelsey/courtedge/exchange"
)

const (
	authDomainName    = "ClobAuthDomain"
	authDomainVersion = "1"
	authMessage       = "This message attests that I control the given wallet"
)

// Credentials are the derived L2 API credentials.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// EIP-712 type hashes, computed once.
var (
	authDomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	authStructTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
)

func authDomainSeparator() common.Hash {
	var buf []byte
	buf = append(buf, authDomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(authDomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(authDomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// signAuth signs the ClobAuth typed message for credential derivation.
func (c *Client) signAuth(timestamp string) (string, error) {
	var structBuf []byte
	structBuf = append(structBuf, authStructTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(c.signer.Address().Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(timestamp)).Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(big.NewInt(0).Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(authMessage)).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	var rawBuf []byte
	rawBuf = append(rawBuf, 0x19, 0x01)
	rawBuf = append(rawBuf, authDomainSeparator().Bytes()...)
	rawBuf = append(rawBuf, structHash.Bytes()...)
	msgHash := crypto.Keccak256Hash(rawBuf)

	sig, err := crypto.Sign(msgHash.Bytes(), c.signer.privateKey)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + fmt.Sprintf("%x", sig), nil
}

// credCache guards the lazily-derived credentials.
type credCache struct {
	mu    sync.Mutex
	creds *Credentials
}

// ensureCreds derives L2 credentials on first use and caches them. A missing
// wallet key surfaces as an Auth error so the engine halts the user instead
// of silently continuing.
func (c *Client) ensureCreds(ctx context.Context) (*Credentials, error) {
	c.credCache.mu.Lock()
	defer c.credCache.mu.Unlock()

	if c.credCache.creds != nil {
		return c.credCache.creds, nil
	}
	if c.signer == nil {
		return nil, exchange.NewError(exchange.KindAuth, venueName, "derive_creds",
			fmt.Errorf("no wallet key configured"))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := c.signAuth(ts)
	if err != nil {
		return nil, exchange.NewError(exchange.KindAuth, venueName, "derive_creds", err)
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("POLY_ADDRESS", c.signer.Address().Hex()).
		SetHeader("POLY_SIGNATURE", sig).
		SetHeader("POLY_TIMESTAMP", ts).
		SetHeader("POLY_NONCE", "0").
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, exchange.NewError(exchange.KindTransport, venueName, "derive_creds", err)
	}
	if resp.StatusCode() != 200 {
		return nil, exchange.NewError(exchange.KindAuth, venueName, "derive_creds",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	c.credCache.creds = &creds
	return &creds, nil
}

// l2Headers builds the HMAC headers for one authed request.
func (c *Client) l2Headers(creds *Credentials, method, path, body string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := ts + method + path + body

	secretBytes, err := base64.URLEncoding.DecodeString(creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(msg))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    c.signer.Address().Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}
