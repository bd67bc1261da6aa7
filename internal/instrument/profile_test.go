package instrument

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_CryptoSpot(t *testing.T) {
	p, err := Detect("btcusdt", "binance", "binance")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Equal(t, TypeCryptoSpot, p.Type)
	assert.True(t, p.Type.IsCrypto())
	assert.True(t, p.HasSpot)
	assert.True(t, p.Hours.Always)
	assert.Equal(t, 15*time.Minute, p.OptimalCadence())
}

func TestDetect_CryptoPerpetual(t *testing.T) {
	p, err := Detect("ETHUSDT-PERP", "bybit", "bybit")
	require.NoError(t, err)

	assert.Equal(t, TypeCryptoFutures, p.Type)
	assert.True(t, p.HasFutures)
	assert.True(t, p.Type.IsDerivative())
}

func TestDetect_IndexWithOptions(t *testing.T) {
	p, err := Detect("NIFTY", "nse", "truedata")
	require.NoError(t, err)

	assert.Equal(t, TypeIndex, p.Type)
	assert.True(t, p.HasOptions)
	assert.True(t, p.HasFutures)
	assert.False(t, p.Hours.Always)
	assert.Equal(t, "Asia/Kolkata", p.Hours.Timezone)
	assert.Equal(t, 10, p.OptimalCadenceMinutes)
}

func TestDetect_UnknownVenueFallsBackToStock(t *testing.T) {
	p, err := Detect("ACME", "obscure-exchange", "")
	require.NoError(t, err)

	assert.Equal(t, TypeStock, p.Type)
	assert.True(t, p.HasSpot)
	assert.False(t, p.HasOptions)
}

func TestDetect_RequiresSymbolAndVenue(t *testing.T) {
	_, err := Detect("", "binance", "")
	assert.Error(t, err)

	_, err = Detect("BTCUSDT", "", "")
	assert.Error(t, err)
}

func TestDetect_CacheSourceSlowsCadence(t *testing.T) {
	p, err := Detect("NIFTY", "nse", "cache")
	require.NoError(t, err)
	assert.Equal(t, 15, p.OptimalCadenceMinutes)
}

func TestMarketHours_Always(t *testing.T) {
	h := MarketHours{Always: true}
	assert.True(t, h.IsOpen(time.Now()))
	assert.True(t, h.IsOpen(time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)))
}

func TestMarketHours_WeeklyWindow(t *testing.T) {
	h := MarketHours{
		Timezone: "Asia/Kolkata",
		Open:     "09:15",
		Close:    "15:30",
		Weekdays: weekdaysMonFri,
	}

	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	// Wednesday mid-session
	assert.True(t, h.IsOpen(time.Date(2025, 6, 4, 11, 0, 0, 0, loc)))
	// Wednesday before open
	assert.False(t, h.IsOpen(time.Date(2025, 6, 4, 9, 0, 0, 0, loc)))
	// Wednesday at close (exclusive)
	assert.False(t, h.IsOpen(time.Date(2025, 6, 4, 15, 30, 0, 0, loc)))
	// Saturday
	assert.False(t, h.IsOpen(time.Date(2025, 6, 7, 11, 0, 0, 0, loc)))
}
