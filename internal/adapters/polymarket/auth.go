package polymarket

// auth.go: cliente autenticado del CLOB.
//
// Dos niveles de autenticación:
//   L1: firma EIP-712 con la wallet → derivar credenciales API
//   L2: HMAC-SHA256 de cada request autenticada
//
// La key nunca entra en este paquete: todas las firmas pasan por un Signer.

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const (
	polygonChainID = int64(137)

	// CLOB EIP-712 auth domain
	clobDomainName    = "ClobAuthDomain"
	clobDomainVersion = "1"
	// Mensaje firmado para derivar API keys
	clobAuthMessage = "This message attests that I control the given wallet"
)

// Signer es la capacidad de firma que entrega el colaborador de wallet.
type Signer interface {
	// Address es la dirección del signer (EOA).
	Address() common.Address

	// SignHash firma un digest de 32 bytes; v viene en {27,28}.
	SignHash(hash common.Hash) ([]byte, error)

	// SignOrder construye y firma una orden EIP-712 para el exchange indicado.
	// Devuelve también el hash de la orden, que es su id en el CLOB.
	SignOrder(data *gomodel.OrderData, contract gomodel.VerifyingContract) (*gomodel.SignedOrder, common.Hash, error)
}

// AuthClient agrega autenticación L1/L2 al Client público para una wallet.
type AuthClient struct {
	*Client
	signer        Signer
	funder        common.Address
	signatureType int

	mu    sync.Mutex
	creds *apiCredentials
}

// NewAuthClient crea un cliente autenticado. funder vacío usa la dirección del signer;
// signatureType sigue la convención del CLOB (0 EOA, 1 proxy, 2 gnosis safe).
func NewAuthClient(pub *Client, signer Signer, funder string, signatureType int) (*AuthClient, error) {
	if signer == nil {
		return nil, domain.NewExchangeError(domain.ErrConfig, "auth.NewAuthClient", 0, "nil signer")
	}
	addr := signer.Address()
	if funder != "" {
		if !common.IsHexAddress(funder) {
			return nil, domain.NewExchangeError(domain.ErrConfig, "auth.NewAuthClient", 0, "invalid funder "+funder)
		}
		addr = common.HexToAddress(funder)
	}
	return &AuthClient{Client: pub, signer: signer, funder: addr, signatureType: signatureType}, nil
}

// Address devuelve la dirección que mantiene los fondos.
func (ac *AuthClient) Address() string {
	return ac.funder.Hex()
}

// EnsureCreds deriva (o re-deriva) las credenciales API vía L1. Quedan cacheadas.
func (ac *AuthClient) EnsureCreds(ctx context.Context) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.creds != nil {
		return nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := ac.signClobAuth(ts, 0)
	if err != nil {
		return domain.NewExchangeError(domain.ErrAuth, "auth.EnsureCreds", 0, "sign l1: "+err.Error())
	}

	var creds apiCredentials
	err = ac.doWithRetry(ctx, ac.clobLimiter, "auth.EnsureCreds", true, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ac.clobBase+"/auth/derive-api-key", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("POLY_ADDRESS", ac.signer.Address().Hex())
		req.Header.Set("POLY_SIGNATURE", sig)
		req.Header.Set("POLY_TIMESTAMP", ts)
		req.Header.Set("POLY_NONCE", "0")
		return req, nil
	}, &creds)
	if err != nil {
		return err
	}
	if creds.APIKey == "" || creds.Secret == "" {
		return domain.NewExchangeError(domain.ErrAuth, "auth.EnsureCreds", 0, "empty credentials")
	}
	ac.creds = &creds
	return nil
}

// InvalidateCreds descarta las credenciales cacheadas; la próxima llamada las re-deriva.
func (ac *AuthClient) InvalidateCreds() {
	ac.mu.Lock()
	ac.creds = nil
	ac.mu.Unlock()
}

func (ac *AuthClient) currentCreds() (*apiCredentials, error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.creds == nil {
		return nil, domain.NewExchangeError(domain.ErrAuth, "auth", 0, "credentials not derived")
	}
	return ac.creds, nil
}

// EIP-712 type hashes (computed once).
var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	clobAuthTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
	clobDomainSeparator = clobAuthDomainSeparator()
)

// clobAuthDomainSeparator computes the EIP-712 domain separator for ClobAuthDomain.
func clobAuthDomainSeparator() common.Hash {
	var buf []byte
	buf = append(buf, eip712DomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// clobAuthDigest computes the EIP-712 digest of the ClobAuth message.
func clobAuthDigest(addr common.Address, timestamp string, nonce int64) common.Hash {
	var structBuf []byte
	structBuf = append(structBuf, clobAuthTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(addr.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(timestamp)).Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(big.NewInt(nonce).Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(clobAuthMessage)).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	var rawBuf []byte
	rawBuf = append(rawBuf, 0x19, 0x01)
	rawBuf = append(rawBuf, clobDomainSeparator.Bytes()...)
	rawBuf = append(rawBuf, structHash.Bytes()...)
	return crypto.Keccak256Hash(rawBuf)
}

// signClobAuth firma el ClobAuth EIP-712 para L1.
func (ac *AuthClient) signClobAuth(timestamp string, nonce int64) (string, error) {
	sig, err := ac.signer.SignHash(clobAuthDigest(ac.signer.Address(), timestamp, nonce))
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// l2Headers devuelve las cabeceras autenticadas para una llamada L2.
func (ac *AuthClient) l2Headers(creds *apiCredentials, method, path, body string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := ts + strings.ToUpper(method) + path + body

	secretBytes, err := base64.URLEncoding.DecodeString(creds.Secret)
	if err != nil {
		return nil, domain.NewExchangeError(domain.ErrAuth, "auth.l2Headers", 0, "decode secret: "+err.Error())
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(msg))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    ac.signer.Address().Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}

// doL2 ejecuta una request L2 autenticada. Las cabeceras HMAC se regeneran en cada intento
// para que el timestamp siga fresco.
func (ac *AuthClient) doL2(ctx context.Context, limiter *rate.Limiter, op, method, path string, idempotent bool, reqBody, out any) error {
	creds, err := ac.currentCreds()
	if err != nil {
		return err
	}

	var bodyStr string
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		bodyStr = string(b)
	}

	return ac.doWithRetry(ctx, limiter, op, idempotent, func() (*http.Request, error) {
		headers, err := ac.l2Headers(creds, method, path, bodyStr)
		if err != nil {
			return nil, err
		}
		var req *http.Request
		if bodyStr != "" {
			req, err = http.NewRequestWithContext(ctx, method, ac.clobBase+path, strings.NewReader(bodyStr))
		} else {
			req, err = http.NewRequestWithContext(ctx, method, ac.clobBase+path, nil)
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}, out)
}
