package engine_test

import (
	"testing"
	"time"

	"liq_engine/internal/engine"
	"liq_engine/internal/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func trailCfg() engine.TrailingConfig {
	return engine.DefaultConfig().Trailing
}

func candles(lows ...float64) []models.Candle {
	out := make([]models.Candle, 0, len(lows))
	for i, l := range lows {
		out = append(out, models.Candle{OpenTime: int64(i), Low: l, High: l + 300, Open: l + 100, Close: l + 200})
	}
	return out
}

func TestTrailCandidate(t *testing.T) {
	cfg := trailCfg()

	tests := []struct {
		name    string
		in      engine.TrailInput
		want    float64
		wantSrc string
	}{
		{
			name: "long momentum beats structure",
			in: engine.TrailInput{
				Side: models.SideLong, Price: 92000, Entry: 90800, CurrentSL: 90800, TP1Hit: true,
				Candles: candles(91200, 91000, 91400),
			},
			want:    92000 * (1 - 0.005),
			wantSrc: "momentum",
		},
		{
			name: "long structure beats momentum",
			in: engine.TrailInput{
				Side: models.SideLong, Price: 92000, Entry: 90800, CurrentSL: 90800, TP1Hit: true,
				Candles: candles(91700, 91800),
			},
			want:    91700 * (1 - 0.001),
			wantSrc: "structure",
		},
		{
			name: "short mirror",
			in: engine.TrailInput{
				Side: models.SideShort, Price: 89600, Entry: 90800, CurrentSL: 90800, TP1Hit: true,
			},
			want:    89600 * (1 + 0.005),
			wantSrc: "momentum",
		},
		{
			name: "never widens",
			in: engine.TrailInput{
				Side: models.SideLong, Price: 92000, Entry: 90800, CurrentSL: 91700, TP1Hit: true,
			},
			want: 0,
		},
		{
			name: "floored at entry after tp1 then kept off the price",
			in: engine.TrailInput{
				Side: models.SideLong, Price: 90900, Entry: 90800, CurrentSL: 90000, TP1Hit: true,
			},
			want:    90900 * (1 - 0.002),
			wantSrc: "momentum",
		},
		{
			name: "zone passed uses min trail",
			in: engine.TrailInput{
				Side: models.SideLong, Price: 92000, Entry: 90800, CurrentSL: 90800, TP1Hit: true, ZonePrice: 91900,
			},
			want:    92000 * (1 - 0.003),
			wantSrc: "momentum",
		},
		{
			name: "no price",
			in:   engine.TrailInput{Side: models.SideLong, CurrentSL: 90000},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, src := engine.TrailCandidate(cfg, tt.in)
			assert.InDelta(t, tt.want, got, 1e-6)
			if tt.want > 0 {
				assert.Equal(t, tt.wantSrc, src)
			}
		})
	}
}

func TestTrailCandidateNarrowsTowardZone(t *testing.T) {
	cfg := trailCfg()
	base := engine.TrailInput{Side: models.SideLong, Price: 92000, Entry: 90800, CurrentSL: 90800, TP1Hit: true}

	far, _ := engine.TrailCandidate(cfg, base)
	base.ZonePrice = 92500
	near, _ := engine.TrailCandidate(cfg, base)
	base.ZonePrice = 92050
	nearer, _ := engine.TrailCandidate(cfg, base)

	assert.Greater(t, near, far)
	assert.Greater(t, nearer, near)
	assert.LessOrEqual(t, nearer, 92000*(1-cfg.MinGapPct)+1e-9)
}

func TestProperty_TrailCandidateTightensOnly(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	cfg := trailCfg()

	properties.Property("candidate is zero or strictly tighter and off the price", prop.ForAll(
		func(short bool, price, slOffset, zoneOffset float64, tp1 bool) bool {
			side := models.SideLong
			sl := price * (1 - slOffset)
			zone := price * (1 + zoneOffset)
			if short {
				side = models.SideShort
				sl = price * (1 + slOffset)
				zone = price * (1 - zoneOffset)
			}
			in := engine.TrailInput{Side: side, Price: price, Entry: price, CurrentSL: sl, TP1Hit: tp1, ZonePrice: zone}
			got, _ := engine.TrailCandidate(cfg, in)
			if got == 0 {
				return true
			}
			if !models.Tightens(side, sl, got) {
				return false
			}
			if short {
				return got >= price*(1+cfg.MinGapPct)-1e-6
			}
			return got <= price*(1-cfg.MinGapPct)+1e-6
		},
		gen.Bool(),
		gen.Float64Range(1000, 100000),
		gen.Float64Range(0.0001, 0.05),
		gen.Float64Range(-0.02, 0.02),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
