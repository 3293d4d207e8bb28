package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const maxWalletTradesPage = 500

// FetchWalletTrades obtiene los trades recientes de una wallet usando la Data API pública,
// más nuevos primero. Items que no son TRADE o con forma inválida se descartan.
func (c *Client) FetchWalletTrades(ctx context.Context, wallet string, limit int) ([]domain.WalletTrade, error) {
	if limit <= 0 || limit > maxWalletTradesPage {
		limit = maxWalletTradesPage
	}
	u := fmt.Sprintf("%s/trades?user=%s&limit=%d&takerOnly=false",
		c.dataBase, url.QueryEscape(strings.ToLower(wallet)), limit)

	var resp []rawWalletTrade
	if err := c.get(ctx, c.dataLimiter, "data-api.FetchWalletTrades", u, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.WalletTrade, 0, len(resp))
	for _, rt := range resp {
		if rt.Type != "" && !strings.EqualFold(rt.Type, "TRADE") {
			continue
		}
		wt, err := mapWalletTrade(rt, wallet)
		if err != nil {
			slog.Debug("polymarket: skipping malformed wallet trade", "wallet", wallet, "err", err)
			continue
		}
		out = append(out, wt)
	}
	return out, nil
}
