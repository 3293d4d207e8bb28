// Package wallet custodia la clave de un usuario y expone solo la capacidad de firmar.
// Ningún otro paquete ve el material de la clave.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
)

const polygonChainID = 137

// KeySigner firma con una clave secp256k1 en memoria.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	orders  builder.ExchangeOrderBuilder
}

// NewKeySigner parsea una clave hex (con o sin 0x).
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet.NewKeySigner: invalid private key: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		orders:  builder.NewExchangeOrderBuilderImpl(big.NewInt(polygonChainID), nil),
	}, nil
}

// Address devuelve la EOA del signer.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignHash firma un digest y deja v en {27,28}, como esperan los verificadores EIP-712.
func (s *KeySigner) SignHash(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("wallet.SignHash: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignOrder construye, hashea y firma una orden del CTF exchange.
func (s *KeySigner) SignOrder(data *gomodel.OrderData, contract gomodel.VerifyingContract) (*gomodel.SignedOrder, common.Hash, error) {
	signed, err := s.orders.BuildSignedOrder(s.key, data, contract)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("wallet.SignOrder: build: %w", err)
	}
	hash, err := s.orders.BuildOrderHash(&signed.Order, contract)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("wallet.SignOrder: hash: %w", err)
	}
	return signed, common.Hash(hash), nil
}
