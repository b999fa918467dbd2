// Package evmclob implements the on-chain CLOB adapter. Orders are EIP-712
// typed-data structs signed with the account's wallet key; API credentials
// for authenticated reads are derived once via an L1-signed handshake.
package evmclob

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/types"
)

// Exchange contract constants (Polygon mainnet).
const (
	chainID         = 137
	exchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	zeroAddress     = "0x0000000000000000000000000000000000000000"
)

const (
	sideBuy  = 0
	sideSell = 1
)

// TypedOrder is the order struct the exchange contract verifies.
type TypedOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// SignedOrder pairs a typed order with its hex signature.
type SignedOrder struct {
	Order     *TypedOrder
	Signature string
}

// OrderSigner builds and signs typed orders with the wallet key. The key
// never leaves this struct; callers only see signed payloads.
type OrderSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	exchange   common.Address
}

// NewOrderSigner wraps a wallet key.
func NewOrderSigner(key *ecdsa.PrivateKey) *OrderSigner {
	return &OrderSigner{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		exchange:   common.HexToAddress(exchangeAddress),
	}
}

// Address returns the wallet address.
func (s *OrderSigner) Address() common.Address { return s.address }

// BuildOrder creates an unsigned typed order. Amounts use 6-decimal token
// units; maker amounts are truncated (never rounded up) so the order can
// never exceed the budget.
func (s *OrderSigner) BuildOrder(tokenID string, action types.Action, price, size decimal.Decimal) (*TypedOrder, error) {
	tokenInt, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("token id %q is not a decimal integer", tokenID)
	}

	cost := price.Mul(size)
	var side uint8
	var makerAmount, takerAmount *big.Int
	if action == types.ActionBuy {
		side = sideBuy
		makerAmount = toUnits(cost, true)  // USDC we spend
		takerAmount = toUnits(size, false) // shares we receive
	} else {
		side = sideSell
		makerAmount = toUnits(size, false) // shares we sell
		takerAmount = toUnits(cost, true)  // USDC we receive
	}
	if makerAmount.Sign() <= 0 || takerAmount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amounts: maker=%s taker=%s (price=%s size=%s)",
			makerAmount, takerAmount, price, size)
	}

	return &TypedOrder{
		Salt:          big.NewInt(rand.Int63()),
		Maker:         s.address,
		Signer:        s.address,
		Taker:         common.HexToAddress(zeroAddress),
		TokenID:       tokenInt,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          side,
		SignatureType: 0, // EOA
	}, nil
}

// Sign hashes the typed data per EIP-712 and signs with the wallet key.
func (s *OrderSigner) Sign(order *TypedOrder) (*SignedOrder, error) {
	typedData := buildTypedData(order, s.exchange)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	hash := crypto.Keccak256Hash(rawData)

	signature, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}

	return &SignedOrder{
		Order:     order,
		Signature: fmt.Sprintf("0x%x", signature),
	}, nil
}

func buildTypedData(order *TypedOrder, exchangeAddr common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "CTF Exchange",
			Version:           "1",
			ChainId:           ethmath.NewHexOrDecimal256(chainID),
			VerifyingContract: exchangeAddr.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// toUnits scales a decimal amount to 6-decimal token units. USDC amounts are
// truncated; share amounts are rounded to 4 decimals first, matching what the
// API accepts.
func toUnits(amount decimal.Decimal, truncate bool) *big.Int {
	scaled := amount.Mul(decimal.NewFromInt(1_000_000))
	if truncate {
		return big.NewInt(scaled.Truncate(0).IntPart())
	}
	return big.NewInt(amount.Round(4).Mul(decimal.NewFromInt(1_000_000)).IntPart())
}

// apiPayload converts a signed order to the POST /order body.
func (o *SignedOrder) apiPayload(apiKey string) map[string]any {
	sideStr := "BUY"
	if o.Order.Side == sideSell {
		sideStr = "SELL"
	}
	return map[string]any{
		"order": map[string]any{
			"salt":          o.Order.Salt.Int64(),
			"maker":         o.Order.Maker.Hex(),
			"signer":        o.Order.Signer.Hex(),
			"taker":         o.Order.Taker.Hex(),
			"tokenId":       o.Order.TokenID.String(),
			"makerAmount":   o.Order.MakerAmount.String(),
			"takerAmount":   o.Order.TakerAmount.String(),
			"expiration":    o.Order.Expiration.String(),
			"nonce":         o.Order.Nonce.String(),
			"feeRateBps":    o.Order.FeeRateBps.String(),
			"side":          sideStr,
			"signatureType": int(o.Order.SignatureType),
			"signature":     o.Signature,
		},
		"owner":     apiKey,
		"orderType": "GTC",
	}
}
