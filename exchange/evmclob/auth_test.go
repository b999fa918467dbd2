package evmclob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestL2HeadersHMAC(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := &Client{signer: NewOrderSigner(key)}

	secret := base64.URLEncoding.EncodeToString([]byte("test-secret-bytes"))
	creds := &Credentials{APIKey: "api-1", Secret: secret, Passphrase: "pass-1"}

	headers, err := c.l2Headers(creds, "POST", "/order", `{"x":1}`)
	require.NoError(t, err)

	assert.Equal(t, c.signer.Address().Hex(), headers["POLY_ADDRESS"])
	assert.Equal(t, "api-1", headers["POLY_API_KEY"])
	assert.Equal(t, "pass-1", headers["POLY_PASSPHRASE"])

	// Recompute the MAC with the timestamp the client chose.
	mac := hmac.New(sha256.New, []byte("test-secret-bytes"))
	mac.Write([]byte(headers["POLY_TIMESTAMP"] + "POST" + "/order" + `{"x":1}`))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, headers["POLY_SIGNATURE"])
}

func TestL2HeadersRejectsBadSecret(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := &Client{signer: NewOrderSigner(key)}

	_, err = c.l2Headers(&Credentials{Secret: "%%% not base64 %%%"}, "GET", "/x", "")
	assert.Error(t, err)
}

func TestPriceCacheFreshness(t *testing.T) {
	cache := newPriceCache()

	_, ok := cache.Get("tok1")
	assert.False(t, ok)

	cache.Set("tok1", decimal.NewFromFloat(0.42))
	mid, ok := cache.Get("tok1")
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromFloat(0.42)))

	// Stale entries fall through to REST.
	cache.mu.Lock()
	cache.prices["tok1"] = cachedPrice{mid: mid, at: time.Now().Add(-priceTTL - time.Second)}
	cache.mu.Unlock()

	_, ok = cache.Get("tok1")
	assert.False(t, ok)
}
