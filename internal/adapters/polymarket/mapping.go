package polymarket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// mapOrderBook valida y convierte un libro raw. Niveles con precio fuera de (0,1) o
// strings no numéricos invalidan el libro entero.
func mapOrderBook(r orderBookResponse) (domain.OrderBook, error) {
	if r.AssetID == "" {
		return domain.OrderBook{}, errors.New("book without asset_id")
	}
	bids, err := mapBookEntries(r.Bids, false)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := mapBookEntries(r.Asks, true)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("asks: %w", err)
	}
	ob := domain.OrderBook{
		TokenID:   r.AssetID,
		MarketID:  r.Market,
		Bids:      bids,
		Asks:      asks,
		Timestamp: parseTradeTimestamp(json.Number(r.Timestamp)),
	}
	if r.TickSize != "" {
		if ob.TickSize, err = parsePositive(r.TickSize); err != nil {
			return domain.OrderBook{}, fmt.Errorf("tick_size: %w", err)
		}
	}
	if r.MinOrderSize != "" {
		if ob.MinOrderSize, err = parsePositive(r.MinOrderSize); err != nil {
			return domain.OrderBook{}, fmt.Errorf("min_order_size: %w", err)
		}
	}
	if ob.Timestamp.IsZero() {
		ob.Timestamp = time.Now().UTC()
	}
	return ob, nil
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) ([]domain.BookEntry, error) {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", r.Price, err)
		}
		size, err := decimal.NewFromString(r.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", r.Size, err)
		}
		if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("price %s out of range", r.Price)
		}
		if !size.IsPositive() {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price.InexactFloat64(), Size: size.InexactFloat64()})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries, nil
}

// mapMarket convierte la respuesta de /markets/{id} a domain.Market.
func mapMarket(r clobMarket) (domain.Market, error) {
	if r.ConditionID == "" {
		return domain.Market{}, errors.New("market without condition_id")
	}
	if len(r.Tokens) != 2 {
		return domain.Market{}, fmt.Errorf("market %s has %d tokens, want 2", r.ConditionID, len(r.Tokens))
	}
	m := domain.Market{
		ConditionID: r.ConditionID,
		Question:    r.Question,
		Slug:        r.MarketSlug,
		NegRisk:     r.NegRisk,
		Active:      r.Active && (r.AcceptingOrders == nil || *r.AcceptingOrders),
		Closed:      r.Closed,
		EndDate:     parseISODate(r.EndDateISO),
	}
	if v, err := r.MinimumTick.Float64(); err == nil && v > 0 {
		m.TickSize = v
	}
	if v, err := r.MinimumOrder.Float64(); err == nil && v > 0 {
		m.MinOrderSize = v
	}
	for i, t := range r.Tokens {
		if t.TokenID == "" {
			return domain.Market{}, fmt.Errorf("market %s: token %d without id", r.ConditionID, i)
		}
		m.Tokens[i] = domain.Token{TokenID: t.TokenID, Outcome: t.Outcome, Price: t.Price}
	}
	return m, nil
}

// enrichFromGamma aplica la metadata de Gamma sobre un mercado existente.
func enrichFromGamma(m *domain.Market, gm gammaMarket) {
	if m.Question == "" {
		m.Question = gm.Question
	}
	if m.Slug == "" {
		m.Slug = gm.Slug
	}
	if m.EndDate.IsZero() {
		m.EndDate = parseISODate(gm.EndDateISO)
	}
}

// mapWalletTrade convierte un trade de la Data API. wallet se usa si el item no trae proxyWallet.
func mapWalletTrade(r rawWalletTrade, wallet string) (domain.WalletTrade, error) {
	if r.Asset == "" {
		return domain.WalletTrade{}, errors.New("trade without asset")
	}
	var side domain.Side
	switch strings.ToUpper(r.Side) {
	case "BUY":
		side = domain.SideBuy
	case "SELL":
		side = domain.SideSell
	default:
		return domain.WalletTrade{}, fmt.Errorf("trade side %q", r.Side)
	}
	price, err := r.Price.Float64()
	if err != nil || price <= 0 || price >= 1 {
		return domain.WalletTrade{}, fmt.Errorf("trade price %q", r.Price)
	}
	size, err := r.Size.Float64()
	if err != nil || size <= 0 {
		return domain.WalletTrade{}, fmt.Errorf("trade size %q", r.Size)
	}
	w := r.ProxyWallet
	if w == "" {
		w = wallet
	}
	return domain.WalletTrade{
		Wallet:       domain.WalletKey(w),
		TxHash:       r.TransactionHash,
		InstrumentID: r.Asset,
		MarketID:     r.ConditionID,
		Outcome:      domain.ParseOutcome(r.Outcome),
		Side:         side,
		Price:        price,
		Size:         size,
		Timestamp:    parseTradeTimestamp(r.Timestamp),
	}, nil
}

// mapStreamFrame normaliza un frame del canal market. Un frame puede ser un objeto o un array.
// Tipos de evento desconocidos se ignoran; JSON inválido es un error.
func mapStreamFrame(data []byte, now time.Time) ([]domain.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []wsMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
	} else {
		var m wsMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		msgs = []wsMessage{m}
	}

	var out []domain.Event
	var errs []error
	for _, m := range msgs {
		evs, err := mapStreamMessage(m, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, evs...)
	}
	return out, errors.Join(errs...)
}

func mapStreamMessage(m wsMessage, now time.Time) ([]domain.Event, error) {
	ts := parseTradeTimestamp(m.Timestamp)
	if ts.IsZero() {
		ts = now
	}
	switch m.EventType {
	case "book":
		bids, asks := m.Bids, m.Asks
		if len(bids) == 0 {
			bids = m.Buys
		}
		if len(asks) == 0 {
			asks = m.Sells
		}
		ob, err := mapOrderBook(orderBookResponse{AssetID: m.AssetID, Market: m.Market, Bids: bids, Asks: asks})
		if err != nil {
			return nil, fmt.Errorf("book %s: %w", m.AssetID, err)
		}
		ob.Timestamp = ts
		evs := []domain.Event{domain.BookSnapshot{Book: ob}}
		if mid := ob.Midpoint(); mid > 0 {
			evs = append(evs, domain.PriceTick{
				InstrumentID: ob.TokenID,
				MarketID:     ob.MarketID,
				Price:        mid,
				BestBid:      ob.BestBid(),
				BestAsk:      ob.BestAsk(),
				Timestamp:    ts,
				Source:       domain.TickSourceBook,
			})
		}
		return evs, nil

	case "price_change":
		var evs []domain.Event
		for _, pc := range m.PriceChanges {
			bid, errBid := parsePositive(pc.BestBid)
			ask, errAsk := parsePositive(pc.BestAsk)
			if errBid != nil || errAsk != nil || pc.AssetID == "" {
				continue
			}
			evs = append(evs, domain.PriceTick{
				InstrumentID: pc.AssetID,
				MarketID:     m.Market,
				Price:        round6((bid + ask) / 2),
				BestBid:      bid,
				BestAsk:      ask,
				Timestamp:    ts,
				Source:       domain.TickSourceBook,
			})
		}
		return evs, nil

	case "last_trade_price":
		price, err := parsePositive(m.Price)
		if err != nil || m.AssetID == "" {
			return nil, fmt.Errorf("last_trade_price %s: bad price %q", m.AssetID, m.Price)
		}
		size, _ := strconv.ParseFloat(m.Size, 64)
		return []domain.Event{domain.PriceTick{
			InstrumentID: m.AssetID,
			MarketID:     m.Market,
			Price:        price,
			Size:         size,
			Side:         domain.Side(strings.ToUpper(m.Side)),
			Timestamp:    ts,
			Source:       domain.TickSourceTrade,
		}}, nil

	case "tick_size_change":
		tick, err := parsePositive(m.NewTickSize)
		if err != nil {
			return nil, fmt.Errorf("tick_size_change %s: %w", m.AssetID, err)
		}
		return []domain.Event{domain.TickSizeChange{InstrumentID: m.AssetID, MarketID: m.Market, TickSize: tick}}, nil

	case "market_resolved":
		return []domain.Event{domain.MarketResolved{
			MarketID:            m.Market,
			InstrumentIDs:       m.AssetIDs,
			WinningInstrumentID: m.WinningAssetID,
			Timestamp:           ts,
		}}, nil
	}
	return nil, nil
}

func parsePositive(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%q is not positive", s)
	}
	return d.InexactFloat64(), nil
}

func round6(v float64) float64 {
	return decimal.NewFromFloat(v).Round(6).InexactFloat64()
}

func parseISODate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	// Polymarket usa varios formatos; intentamos los más comunes
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseTradeTimestamp acepta unix en segundos o milisegundos, o ISO 8601.
func parseTradeTimestamp(n json.Number) time.Time {
	s := n.String()
	if s == "" {
		return time.Time{}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.UnixMilli(sec).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	return parseISODate(s)
}
