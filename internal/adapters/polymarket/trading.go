package polymarket

// trading.go: ejecución real vía el CLOB de Polymarket.
//
// TradingClient implementa ports.Exchange para una wallet: lecturas públicas vía el
// Client compartido, órdenes vía AuthClient (L1/L2) y balances vía ChainReader.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// microUnits: USDC.e y los tokens condicionales usan 6 decimales.
var microUnits = decimal.New(1, 6)

// BalanceReader lee saldos on-chain. *ChainReader lo implementa.
type BalanceReader interface {
	USDCBalance(ctx context.Context, address string) (float64, error)
	TokenBalance(ctx context.Context, address, tokenID string) (float64, error)
}

// TradingClient es el Exchange de un usuario.
type TradingClient struct {
	auth  *AuthClient
	chain BalanceReader

	mu sync.Mutex
	// clientOrderID → hash de la orden firmada, para LookupOrder tras un timeout.
	orders map[string]string
}

// NewTradingClient crea el cliente de trading de una wallet.
func NewTradingClient(auth *AuthClient, chain BalanceReader) *TradingClient {
	return &TradingClient{auth: auth, chain: chain, orders: make(map[string]string)}
}

// GetOrderBook delega en el cliente público.
func (tc *TradingClient) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	return tc.auth.GetOrderBook(ctx, tokenID)
}

// GetOrderBooks delega en el batch concurrente del cliente público.
func (tc *TradingClient) GetOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	return tc.auth.FetchOrderBooks(ctx, tokenIDs)
}

// GetMarket delega en el cliente público (cacheado).
func (tc *TradingClient) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	return tc.auth.GetMarket(ctx, conditionID)
}

// IsMarketTradeable delega en el cliente público.
func (tc *TradingClient) IsMarketTradeable(ctx context.Context, conditionID string) (bool, error) {
	return tc.auth.IsMarketTradeable(ctx, conditionID)
}

// GetBalance devuelve el USDC.e on-chain. address vacío usa el funder.
func (tc *TradingClient) GetBalance(ctx context.Context, address string) (float64, error) {
	if address == "" {
		address = tc.auth.Address()
	}
	return tc.chain.USDCBalance(ctx, address)
}

// TokenBalance devuelve las shares on-chain de un token. address vacío usa el funder.
func (tc *TradingClient) TokenBalance(ctx context.Context, address, tokenID string) (float64, error) {
	if address == "" {
		address = tc.auth.Address()
	}
	return tc.chain.TokenBalance(ctx, address, tokenID)
}

// Reauthenticate re-deriva las credenciales L2.
func (tc *TradingClient) Reauthenticate(ctx context.Context) error {
	tc.auth.InvalidateCreds()
	return tc.auth.EnsureCreds(ctx)
}

// CreateOrder firma y envía una orden ya redondeada.
// El POST no es idempotente: un timeout o 5xx devuelve ErrTimeout y el caller debe usar LookupOrder.
func (tc *TradingClient) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	const op = "trading.CreateOrder"

	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return domain.OrderResult{}, err
	}
	creds, err := tc.auth.currentCreds()
	if err != nil {
		return domain.OrderResult{}, err
	}

	makerAmt, takerAmt, err := orderAmounts(req.Side, req.Price, req.Shares)
	if err != nil {
		return domain.OrderResult{}, domain.NewExchangeError(domain.ErrRejected, op, 0, err.Error())
	}

	data := &gomodel.OrderData{
		Maker:       tc.auth.funder.Hex(),
		Taker:       zeroAddress,
		TokenId:     req.InstrumentID,
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		FeeRateBps:  "0",
		Nonce:       "0",
		Signer:      tc.auth.signer.Address().Hex(),
		Expiration:  "0",
	}
	if req.Side == domain.SideSell {
		data.Side = gomodel.SELL
	} else {
		data.Side = gomodel.BUY
	}
	switch tc.auth.signatureType {
	case 1:
		data.SignatureType = gomodel.POLY_PROXY
	case 2:
		data.SignatureType = gomodel.POLY_GNOSIS_SAFE
	default:
		data.SignatureType = gomodel.EOA
	}
	contract := gomodel.CTFExchange
	if req.NegRisk {
		contract = gomodel.NegRiskCTFExchange
	}

	signed, hash, err := tc.auth.signer.SignOrder(data, contract)
	if err != nil {
		return domain.OrderResult{}, domain.NewExchangeError(domain.ErrAuth, op, 0, "sign order: "+err.Error())
	}
	orderHash := hash.Hex()
	tc.remember(req.ClientOrderID, orderHash)

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.InstrumentID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          string(req.Side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     creds.APIKey,
		OrderType: string(req.Type),
	}

	submitted := time.Now().UTC()
	res := domain.OrderResult{
		ClientOrderID:  req.ClientOrderID,
		ExchangeID:     orderHash,
		InstrumentID:   req.InstrumentID,
		MarketID:       req.MarketID,
		Side:           req.Side,
		Type:           req.Type,
		RequestedPrice: req.Price,
		RequestedSize:  req.Shares,
		SubmittedAt:    submitted,
	}

	var resp clobOrderResponse
	err = tc.auth.doL2(ctx, tc.auth.orderLimiter, op, http.MethodPost, "/order", false, body, &resp)
	res.CompletedAt = time.Now().UTC()
	if err != nil {
		var xe *domain.ExchangeError
		if errors.As(err, &xe) && errors.Is(err, domain.ErrRejected) && isKillMessage(xe.Msg) {
			res.Status = domain.OrderStatusUnmatched
			res.ErrorCode = domain.OrderErrNotFilled
			res.ErrorMsg = xe.Msg
			return res, nil
		}
		return domain.OrderResult{}, err
	}

	if resp.OrderID != "" {
		res.ExchangeID = resp.OrderID
	}
	if !resp.Success || resp.ErrorMsg != "" {
		res.ErrorMsg = resp.ErrorMsg
		res.ErrorCode = domain.OrderErrRejected
		if isKillMessage(resp.ErrorMsg) {
			res.Status = domain.OrderStatusUnmatched
			res.ErrorCode = domain.OrderErrNotFilled
		}
		return res, nil
	}

	return applyOrderResponse(res, resp), nil
}

// applyOrderResponse traduce el status del CLOB al fill real.
func applyOrderResponse(res domain.OrderResult, resp clobOrderResponse) domain.OrderResult {
	switch strings.ToLower(resp.Status) {
	case "matched":
		res.Status = domain.OrderStatusMatched
		res.Success = true
		shares, usd := filledAmounts(res.Side, resp.MakingAmount, resp.TakingAmount)
		if shares <= 0 {
			// Sin amounts en la respuesta: matched implica fill completo al precio pedido.
			shares, usd = res.RequestedSize, res.RequestedSize*res.RequestedPrice
		}
		res.FilledShares = shares
		res.FilledPrice = decimal.NewFromFloat(usd / shares).Round(6).InexactFloat64()
	case "live":
		res.Status = domain.OrderStatusLive
		res.Success = true
	case "delayed":
		res.Status = domain.OrderStatusDelayed
		res.Success = true
	default:
		res.Status = domain.OrderStatusUnmatched
		res.ErrorCode = domain.OrderErrNotFilled
		res.ErrorMsg = "order not matched: " + resp.Status
	}
	return res
}

// CancelOrder cancela una orden resting.
func (tc *TradingClient) CancelOrder(ctx context.Context, orderID string) error {
	const op = "trading.CancelOrder"
	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return err
	}
	var resp cancelResponse
	if err := tc.auth.doL2(ctx, tc.auth.clobLimiter, op, http.MethodDelete, "/order", true, cancelRequest{OrderID: orderID}, &resp); err != nil {
		return err
	}
	if reason, ok := resp.NotCanceled[orderID]; ok {
		// Ya ejecutada o ya cancelada: no hay nada resting.
		if strings.Contains(strings.ToLower(reason), "not found") || strings.Contains(strings.ToLower(reason), "already") {
			return domain.NewExchangeError(domain.ErrNotFound, op, 0, reason)
		}
		return domain.NewExchangeError(domain.ErrRejected, op, 0, reason)
	}
	return nil
}

// LookupOrder consulta el estado real de una orden enviada por este cliente.
func (tc *TradingClient) LookupOrder(ctx context.Context, clientOrderID string) (domain.OrderResult, error) {
	const op = "trading.LookupOrder"
	tc.mu.Lock()
	hash, ok := tc.orders[clientOrderID]
	tc.mu.Unlock()
	if !ok {
		return domain.OrderResult{}, domain.NewExchangeError(domain.ErrNotFound, op, 0, "unknown client order "+clientOrderID)
	}
	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return domain.OrderResult{}, err
	}

	var o clobOpenOrder
	if err := tc.auth.doL2(ctx, tc.auth.clobLimiter, op, http.MethodGet, "/data/order/"+hash, true, nil, &o); err != nil {
		return domain.OrderResult{}, err
	}
	if o.ID == "" {
		return domain.OrderResult{}, domain.NewExchangeError(domain.ErrNotFound, op, 0, "order "+hash+" not on book")
	}
	return mapOpenOrder(clientOrderID, o)
}

func mapOpenOrder(clientOrderID string, o clobOpenOrder) (domain.OrderResult, error) {
	price, _ := decimal.NewFromString(o.Price)
	size, _ := decimal.NewFromString(o.OriginalSize)
	matched, _ := decimal.NewFromString(o.SizeMatched)

	res := domain.OrderResult{
		ClientOrderID:  clientOrderID,
		ExchangeID:     o.ID,
		InstrumentID:   o.AssetID,
		MarketID:       o.Market,
		Side:           domain.Side(strings.ToUpper(o.Side)),
		Type:           domain.OrderType(strings.ToUpper(o.OrderType)),
		RequestedPrice: price.InexactFloat64(),
		RequestedSize:  size.InexactFloat64(),
		CompletedAt:    time.Now().UTC(),
	}
	if o.CreatedAt > 0 {
		res.SubmittedAt = time.Unix(o.CreatedAt, 0).UTC()
	}
	status := strings.ToUpper(o.Status)
	switch {
	case matched.IsPositive():
		res.Success = true
		res.FilledShares = matched.InexactFloat64()
		res.FilledPrice = price.InexactFloat64()
		res.Status = domain.OrderStatusMatched
		if strings.Contains(status, "LIVE") {
			res.Status = domain.OrderStatusLive
		}
	case strings.Contains(status, "LIVE"):
		res.Success = true
		res.Status = domain.OrderStatusLive
	case strings.Contains(status, "CANCEL"):
		res.Status = domain.OrderStatusCancelled
		res.ErrorCode = domain.OrderErrNotFilled
		res.ErrorMsg = "cancelled without fill"
	default:
		res.Status = domain.OrderStatusUnmatched
		res.ErrorCode = domain.OrderErrNotFilled
		res.ErrorMsg = "status " + o.Status
	}
	return res, nil
}

func (tc *TradingClient) remember(clientOrderID, hash string) {
	if clientOrderID == "" {
		return
	}
	tc.mu.Lock()
	tc.orders[clientOrderID] = hash
	tc.mu.Unlock()
}

// Forget libera el mapeo de una orden cuyo resultado ya es definitivo.
func (tc *TradingClient) Forget(clientOrderID string) {
	tc.mu.Lock()
	delete(tc.orders, clientOrderID)
	tc.mu.Unlock()
}

// orderAmounts calcula maker/taker amounts en micro-unidades.
// BUY: maker = USDC (shares × price), taker = shares. SELL: al revés.
// Las shares se truncan a 2 decimales, así que maker/taker == price exacto.
func orderAmounts(side domain.Side, price, shares float64) (maker, taker string, err error) {
	p := decimal.NewFromFloat(price).Round(4)
	s := decimal.NewFromFloat(shares).Truncate(2)
	if !p.IsPositive() || p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return "", "", fmt.Errorf("price %v out of range", price)
	}
	if !s.IsPositive() {
		return "", "", fmt.Errorf("shares %v not positive", shares)
	}
	usd := s.Mul(p)
	sharesMicro := s.Mul(microUnits).Truncate(0).String()
	usdMicro := usd.Mul(microUnits).Truncate(0).String()
	switch side {
	case domain.SideBuy:
		return usdMicro, sharesMicro, nil
	case domain.SideSell:
		return sharesMicro, usdMicro, nil
	}
	return "", "", fmt.Errorf("side %q", side)
}

// filledAmounts interpreta making/taking amounts (unidades humanas) de la respuesta.
func filledAmounts(side domain.Side, making, taking string) (shares, usd float64) {
	m, errM := decimal.NewFromString(making)
	t, errT := decimal.NewFromString(taking)
	if errM != nil || errT != nil {
		return 0, 0
	}
	if side == domain.SideBuy {
		return t.InexactFloat64(), m.InexactFloat64()
	}
	return m.InexactFloat64(), t.InexactFloat64()
}

// isKillMessage detecta el rechazo de una FOK/FAK que no cruzó.
func isKillMessage(msg string) bool {
	m := strings.ToLower(msg)
	killed := strings.Contains(m, "fully filled") || strings.Contains(m, "no orders found to match") || strings.Contains(m, "no match")
	if killed {
		slog.Debug("polymarket: order killed by exchange", "msg", msg)
	}
	return killed
}
