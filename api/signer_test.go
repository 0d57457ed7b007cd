package api

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"strings"
	"testing"

	"polymarket-copytrader/models"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount() models.Account {
	return models.Account{ID: 3, Address: "0x1111111111111111111111111111111111111111", KeyRef: "main", Enabled: true}
}

func TestEIP712Signer_SignOrderRecoversSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewEIP712Signer(137, func(ref string) (*ecdsa.PrivateKey, error) {
		assert.Equal(t, "main", ref)
		return key, nil
	})

	signed, err := signer.SignOrder(context.Background(), SignRequest{
		Account: testAccount(),
		TokenID: "123456789",
		Side:    models.SideBuy,
		Price:   decimal.RequireFromString("0.456"),
		Size:    decimal.RequireFromString("10"),
	})
	require.NoError(t, err)

	o := signed.Order
	assert.Equal(t, "4600000", o.MakerAmount)
	assert.Equal(t, "10000000", o.TakerAmount)
	assert.Equal(t, "BUY", o.Side)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), o.Signer)

	hash, _, err := apitypes.TypedDataAndHash(orderTypedData(&o, false, 137))
	require.NoError(t, err)
	sig, err := hex.DecodeString(strings.TrimPrefix(o.Signature, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	sig[64] -= 27
	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*pub))
}

func TestEIP712Signer_FreshPayloadPerCall(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewEIP712Signer(137, func(string) (*ecdsa.PrivateKey, error) { return key, nil })

	req := SignRequest{Account: testAccount(), TokenID: "1", Side: models.SideSell,
		Price: decimal.RequireFromString("0.5"), Size: decimal.RequireFromString("4")}
	a, err := signer.SignOrder(context.Background(), req)
	require.NoError(t, err)
	b, err := signer.SignOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "4000000", a.Order.MakerAmount)
	assert.Equal(t, "2000000", a.Order.TakerAmount)
	assert.NotEqual(t, a.Order.Signature, b.Order.Signature)
}

func TestEIP712Signer_MissingCredentialsIsPermanent(t *testing.T) {
	signer := NewEIP712Signer(137, nil)

	acct := testAccount()
	acct.KeyRef = ""
	_, err := signer.SignOrder(context.Background(), SignRequest{Account: acct})
	assert.ErrorIs(t, err, models.ErrPermanent)

	acct.KeyRef = "does-not-exist"
	t.Setenv("POLY_PRIVATE_KEY_DOES_NOT_EXIST", "")
	_, err = signer.SignOrder(context.Background(), SignRequest{Account: acct, TokenID: "1", Side: models.SideBuy,
		Price: decimal.RequireFromString("0.5"), Size: decimal.RequireFromString("1")})
	assert.ErrorIs(t, err, models.ErrPermanent)
}

func TestBuildOrder_ProxyMaker(t *testing.T) {
	acct := testAccount()
	acct.SignatureType = 1
	acct.ProxyAddress = "0x2222222222222222222222222222222222222222"
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	o, err := buildOrder(SignRequest{Account: acct, TokenID: "1", Side: models.SideBuy,
		Price: decimal.RequireFromString("0.3"), Size: decimal.RequireFromString("2")}, crypto.PubkeyToAddress(key.PublicKey))
	require.NoError(t, err)
	assert.True(t, strings.EqualFold(acct.ProxyAddress, o.Maker))
	assert.Equal(t, 1, o.SignatureType)

	_, err = buildOrder(SignRequest{Account: acct, Size: decimal.RequireFromString("0.001"),
		Price: decimal.RequireFromString("0.3")}, crypto.PubkeyToAddress(key.PublicKey))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0.456", "0.46"},
		{"0.454", "0.45"},
		{"0.001", "0.01"},
		{"0", "0.01"},
		{"0.999", "0.99"},
		{"1.2", "0.99"},
		{"0.5", "0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := RoundToTick(decimal.RequireFromString(tt.in))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}
