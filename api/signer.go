package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

const (
	CTFExchangeAddress        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskCTFExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress               = "0x0000000000000000000000000000000000000000"
)

var (
	tickSize   = decimal.RequireFromString("0.01")
	baseUnits  = decimal.New(1, 6)
	sizePlaces = int32(2)
)

// KeyProvider resolves the private key behind an account's key reference.
type KeyProvider func(keyRef string) (*ecdsa.PrivateKey, error)

// EnvKeys loads POLY_PRIVATE_KEY_<KEYREF> from the environment.
func EnvKeys(keyRef string) (*ecdsa.PrivateKey, error) {
	name := "POLY_PRIVATE_KEY_" + envSuffix(keyRef)
	raw := strings.TrimPrefix(strings.TrimSpace(os.Getenv(name)), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%s not set: %w", name, models.ErrPermanent)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid key: %w", name, models.ErrPermanent)
	}
	return key, nil
}

// EIP712Signer signs CTF exchange orders with per-account keys.
type EIP712Signer struct {
	chainID int64
	keys    KeyProvider

	mu    sync.Mutex
	cache map[string]*ecdsa.PrivateKey
}

var _ Signer = (*EIP712Signer)(nil)

// NewEIP712Signer creates a signer for the given chain.
func NewEIP712Signer(chainID int64, keys KeyProvider) *EIP712Signer {
	if keys == nil {
		keys = EnvKeys
	}
	return &EIP712Signer{chainID: chainID, keys: keys, cache: make(map[string]*ecdsa.PrivateKey)}
}

func (s *EIP712Signer) key(ref string) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.cache[ref]; ok {
		return k, nil
	}
	k, err := s.keys(ref)
	if err != nil {
		return nil, err
	}
	s.cache[ref] = k
	return k, nil
}

// SignOrder builds and signs a fresh order. Every call gets a new salt.
func (s *EIP712Signer) SignOrder(ctx context.Context, req SignRequest) (*SignedOrder, error) {
	if !req.Account.HasCredentials() {
		return nil, fmt.Errorf("account %d has no signing credentials: %w", req.Account.ID, models.ErrPermanent)
	}
	key, err := s.key(req.Account.KeyRef)
	if err != nil {
		return nil, err
	}

	order, err := buildOrder(req, crypto.PubkeyToAddress(key.PublicKey))
	if err != nil {
		return nil, err
	}

	hash, _, err := apitypes.TypedDataAndHash(orderTypedData(order, req.NegRisk, s.chainID))
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	signature, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// Adjust v value
	signature[64] += 27
	order.Signature = "0x" + hex.EncodeToString(signature)

	return &SignedOrder{Order: *order, Account: req.Account, SignedAt: time.Now(), OrderType: OrderTypeGTC}, nil
}

// RoundToTick rounds a price to the 0.01 tick and holds it inside [0.01, 0.99].
func RoundToTick(price decimal.Decimal) decimal.Decimal {
	p := price.Div(tickSize).Round(0).Mul(tickSize)
	maxPrice := decimal.NewFromInt(1).Sub(tickSize)
	if p.LessThan(tickSize) {
		return tickSize
	}
	if p.GreaterThan(maxPrice) {
		return maxPrice
	}
	return p
}

func buildOrder(req SignRequest, signer common.Address) (*Order, error) {
	price := RoundToTick(req.Price)
	size := req.Size.Round(sizePlaces)
	if !size.IsPositive() {
		return nil, fmt.Errorf("order size %s rounds to zero: %w", req.Size, models.ErrValidation)
	}

	// Outcome tokens and USDC both use 6 decimals.
	sizeUnits := size.Mul(baseUnits).Truncate(0)
	usdcUnits := size.Mul(price).Mul(baseUnits).Truncate(0)

	order := &Order{
		Salt:          generateSalt(),
		Signer:        signer.Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: req.Account.SignatureType,
	}

	// For proxy wallets the maker is the funder holding the collateral.
	order.Maker = signer.Hex()
	if req.Account.SignatureType != 0 && req.Account.ProxyAddress != "" {
		order.Maker = common.HexToAddress(req.Account.ProxyAddress).Hex()
	}

	if req.Side == models.SideBuy {
		order.MakerAmount = usdcUnits.String()
		order.TakerAmount = sizeUnits.String()
		order.Side = string(models.SideBuy)
		order.SideInt = 0
	} else {
		order.MakerAmount = sizeUnits.String()
		order.TakerAmount = usdcUnits.String()
		order.Side = string(models.SideSell)
		order.SideInt = 1
	}
	return order, nil
}

func bigFromString(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func orderTypedData(order *Order, negRisk bool, chainID int64) apitypes.TypedData {
	verifyingContract := CTFExchangeAddress
	if negRisk {
		verifyingContract = NegRiskCTFExchangeAddress
	}

	message := map[string]interface{}{
		"salt":          big.NewInt(order.Salt),
		"maker":         order.Maker,
		"signer":        order.Signer,
		"taker":         order.Taker,
		"tokenId":       bigFromString(order.TokenID),
		"makerAmount":   bigFromString(order.MakerAmount),
		"takerAmount":   bigFromString(order.TakerAmount),
		"expiration":    bigFromString(order.Expiration),
		"nonce":         bigFromString(order.Nonce),
		"feeRateBps":    bigFromString(order.FeeRateBps),
		"side":          big.NewInt(int64(order.SideInt)),
		"signatureType": big.NewInt(int64(order.SignatureType)),
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
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
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: message,
	}
}

func generateSalt() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return time.Now().UnixNano() % 1_000_000_000
	}
	return n.Int64()
}

// FormatUnits renders a base-unit amount as shares.
func FormatUnits(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, 0).Div(baseUnits)
}
