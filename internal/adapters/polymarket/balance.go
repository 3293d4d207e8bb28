package polymarket

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const (
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	ctfAddress   = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)

var (
	balanceOfERC20   abi.ABI
	balanceOfERC1155 abi.ABI
)

func init() {
	var err error
	balanceOfERC20, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf abi: " + err.Error())
	}
	balanceOfERC1155, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf erc1155 abi: " + err.Error())
	}
}

// contractCaller es el subset de ethclient que se usa para leer balances.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainReader lee balances on-chain en Polygon (USDC.e y tokens condicionales).
type ChainReader struct {
	caller contractCaller
	close  func()
}

// DialChain conecta al RPC de Polygon.
func DialChain(ctx context.Context, rpcURL string) (*ChainReader, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("balance.DialChain: %w", err)
	}
	return &ChainReader{caller: rpc, close: rpc.Close}, nil
}

// NewChainReader envuelve un caller ya conectado.
func NewChainReader(caller contractCaller) *ChainReader {
	return &ChainReader{caller: caller}
}

// Close cierra la conexión RPC si la abrió DialChain.
func (r *ChainReader) Close() {
	if r.close != nil {
		r.close()
	}
}

// USDCBalance devuelve el saldo de USDC.e de address en unidades de dólar.
func (r *ChainReader) USDCBalance(ctx context.Context, address string) (float64, error) {
	if !common.IsHexAddress(address) {
		return 0, domain.NewExchangeError(domain.ErrConfig, "balance.USDC", 0, "invalid address "+address)
	}
	callData, err := balanceOfERC20.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("balance.USDC: pack: %w", err)
	}
	return r.call(ctx, "balance.USDC", common.HexToAddress(usdcEAddress), balanceOfERC20, callData)
}

// TokenBalance devuelve las shares (no micro-unidades) de un token condicional.
func (r *ChainReader) TokenBalance(ctx context.Context, address, tokenID string) (float64, error) {
	if !common.IsHexAddress(address) {
		return 0, domain.NewExchangeError(domain.ErrConfig, "balance.Token", 0, "invalid address "+address)
	}
	tid := new(big.Int)
	if _, ok := tid.SetString(tokenID, 10); !ok {
		tidBytes, err := hex.DecodeString(strings.TrimPrefix(tokenID, "0x"))
		if err != nil {
			return 0, domain.NewExchangeError(domain.ErrData, "balance.Token", 0, "invalid token id "+tokenID)
		}
		tid.SetBytes(tidBytes)
	}
	callData, err := balanceOfERC1155.Pack("balanceOf", common.HexToAddress(address), tid)
	if err != nil {
		return 0, fmt.Errorf("balance.Token: pack: %w", err)
	}
	return r.call(ctx, "balance.Token", common.HexToAddress(ctfAddress), balanceOfERC1155, callData)
}

func (r *ChainReader) call(ctx context.Context, op string, to common.Address, contract abi.ABI, data []byte) (float64, error) {
	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return 0, transportError(op, err)
	}
	vals, err := contract.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, dataError(op, fmt.Errorf("unpack: %v", err))
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return 0, dataError(op, fmt.Errorf("unexpected type %T", vals[0]))
	}
	// USDC.e y los tokens del CTF usan 6 decimales.
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), big.NewFloat(1e6)).Float64()
	return f, nil
}
