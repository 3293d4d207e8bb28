package polymarket

import (
	"context"
	"fmt"
	"net/url"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const gammaMarketsPath = "/markets"

// fetchGammaMarket obtiene la metadata descriptiva (question, slug, endDate) de Gamma.
func (c *Client) fetchGammaMarket(ctx context.Context, conditionID string) (gammaMarket, error) {
	u := fmt.Sprintf("%s%s?condition_ids=%s&limit=1", c.gammaBase, gammaMarketsPath, url.QueryEscape(conditionID))

	var resp gammaMarketsResponse
	if err := c.get(ctx, c.gammaLimiter, "gamma.Market", u, &resp); err != nil {
		return gammaMarket{}, err
	}
	for _, gm := range resp {
		if gm.ConditionID == conditionID {
			return gm, nil
		}
	}
	return gammaMarket{}, domain.NewExchangeError(domain.ErrNotFound, "gamma.Market", 0, conditionID)
}
