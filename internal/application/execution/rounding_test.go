package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

func TestRoundPrice(t *testing.T) {
	tests := []struct {
		name       string
		price      float64
		tick       float64
		side       domain.Side
		aggressive bool
		want       float64
	}{
		{"buy rounds up", 0.423, 0.01, domain.SideBuy, true, 0.43},
		{"sell rounds down", 0.427, 0.01, domain.SideSell, true, 0.42},
		{"already on tick", 0.43, 0.01, domain.SideBuy, true, 0.43},
		{"fine tick", 0.4231, 0.001, domain.SideBuy, true, 0.424},
		{"maker bid rounds down", 0.427, 0.01, domain.SideBuy, false, 0.42},
		{"maker ask rounds up", 0.423, 0.01, domain.SideSell, false, 0.43},
		{"clamp high", 0.9995, 0.01, domain.SideBuy, true, 0.99},
		{"clamp low", 0.0004, 0.001, domain.SideSell, true, 0.001},
		{"clamp low coarse tick", 0.004, 0.01, domain.SideSell, true, 0.01},
		{"zero tick uses default", 0.421, 0, domain.SideBuy, true, 0.43},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RoundPrice(tt.price, tt.tick, tt.side, tt.aggressive), 1e-12)
		})
	}
}

func TestRoundShares(t *testing.T) {
	assert.InDelta(t, 10.12, RoundShares(10.129), 1e-12)
	assert.InDelta(t, 5, RoundShares(5), 1e-12)
	assert.InDelta(t, 0.29, RoundShares(0.29), 1e-12)
}
