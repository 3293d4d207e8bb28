package wallet_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/wallet"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestNewKeySigner_Address(t *testing.T) {
	s, err := wallet.NewKeySigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), s.Address())
}

func TestNewKeySigner_InvalidKey(t *testing.T) {
	_, err := wallet.NewKeySigner("not-a-key")
	assert.Error(t, err)
}

func TestSignHash_RecoversSigner(t *testing.T) {
	s, err := wallet.NewKeySigner(testKey)
	require.NoError(t, err)

	digest := crypto.Keccak256Hash([]byte("polycopy"))
	sig, err := s.SignHash(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))
}

func TestSignOrder(t *testing.T) {
	s, err := wallet.NewKeySigner(testKey)
	require.NoError(t, err)

	data := &gomodel.OrderData{
		Maker:         s.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenId:       "1234",
		MakerAmount:   "5000000",
		TakerAmount:   "10000000",
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        s.Address().Hex(),
		Expiration:    "0",
		Side:          gomodel.BUY,
		SignatureType: gomodel.EOA,
	}
	signed, hash, err := s.SignOrder(data, gomodel.CTFExchange)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.Len(t, signed.Signature, 65)
	assert.Equal(t, "5000000", signed.Order.MakerAmount.String())
	assert.Equal(t, s.Address(), signed.Order.Signer)
}
