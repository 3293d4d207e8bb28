package polymarket

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

type fakeCaller struct {
	raw  *big.Int
	err  error
	msgs []ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.msgs = append(f.msgs, msg)
	if f.err != nil {
		return nil, f.err
	}
	return common.LeftPadBytes(f.raw.Bytes(), 32), nil
}

func TestChainReader_USDCBalance(t *testing.T) {
	fc := &fakeCaller{raw: big.NewInt(12_345_678)}
	r := NewChainReader(fc)

	bal, err := r.USDCBalance(context.Background(), "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	require.NoError(t, err)
	assert.InDelta(t, 12.345678, bal, 1e-9)
	require.Len(t, fc.msgs, 1)
	assert.Equal(t, common.HexToAddress(usdcEAddress), *fc.msgs[0].To)
}

func TestChainReader_TokenBalance(t *testing.T) {
	fc := &fakeCaller{raw: big.NewInt(13_510_000)}
	r := NewChainReader(fc)

	shares, err := r.TokenBalance(context.Background(), "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", "71321045679252212594626385532706912750332728571942532289631379312455583992563")
	require.NoError(t, err)
	assert.InDelta(t, 13.51, shares, 1e-9)
	assert.Equal(t, common.HexToAddress(ctfAddress), *fc.msgs[0].To)
}

func TestChainReader_Errors(t *testing.T) {
	r := NewChainReader(&fakeCaller{err: errors.New("connection refused")})

	_, err := r.USDCBalance(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, domain.ErrConfig)

	_, err = r.USDCBalance(context.Background(), "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	assert.ErrorIs(t, err, domain.ErrNetwork)

	_, err = r.TokenBalance(context.Background(), "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", "zz")
	assert.ErrorIs(t, err, domain.ErrData)
}
