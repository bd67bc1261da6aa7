package market

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestTick_MidAndSpread(t *testing.T) {
	tick := &Tick{Price: 100.5, BestBid: 99, BestAsk: 101}
	if mid := tick.Mid(); mid != 100 {
		t.Errorf("Mid() = %f, want 100", mid)
	}
	if spread := tick.Spread(); spread != 0.02 {
		t.Errorf("Spread() = %f, want 0.02", spread)
	}

	dark := &Tick{Price: 100.5}
	if mid := dark.Mid(); mid != 100.5 {
		t.Errorf("Mid() = %f, want last price fallback", mid)
	}
	if spread := dark.Spread(); spread != 0 {
		t.Errorf("Spread() = %f, want 0 without a book", spread)
	}
}

func TestValidTimeframe(t *testing.T) {
	for _, tf := range Timeframes {
		if !ValidTimeframe(tf) {
			t.Errorf("ValidTimeframe(%q) = false", tf)
		}
	}
	for _, tf := range []string{"2m", "30s", "", "1w"} {
		if ValidTimeframe(tf) {
			t.Errorf("ValidTimeframe(%q) = true", tf)
		}
	}
}

func TestCacheKeys(t *testing.T) {
	if got := TickKey("NIFTY"); got != "price:NIFTY:latest" {
		t.Errorf("TickKey() = %q", got)
	}
	if got := FuturesKey("BTCUSDT"); got != "futures:BTCUSDT:latest" {
		t.Errorf("FuturesKey() = %q", got)
	}
	if BundleKey != "rule_bundle:active" {
		t.Errorf("BundleKey = %q", BundleKey)
	}
}

func TestMockSource_Ticks(t *testing.T) {
	src := NewMockSource()
	ctx := context.Background()

	if _, err := src.LatestTick(ctx, "NIFTY"); !errors.Is(err, ErrNoData) {
		t.Errorf("LatestTick() error = %v, want ErrNoData", err)
	}

	src.SetTick(&Tick{Symbol: "NIFTY", Price: 23500})
	tick, err := src.LatestTick(ctx, "NIFTY")
	if err != nil {
		t.Fatalf("LatestTick() error = %v", err)
	}
	if tick.Price != 23500 {
		t.Errorf("Price = %f, want 23500", tick.Price)
	}

	failure := errors.New("feed down")
	src.FailTicks(failure)
	if _, err := src.LatestTick(ctx, "NIFTY"); !errors.Is(err, failure) {
		t.Errorf("LatestTick() error = %v, want injected failure", err)
	}
}

func TestMockSource_RecentOHLC(t *testing.T) {
	src := NewMockSource()
	ctx := context.Background()

	bars, err := src.RecentOHLC(ctx, "NIFTY", "5m", 10)
	if err != nil || bars != nil {
		t.Errorf("RecentOHLC() = %v, %v, want empty feed tolerated", bars, err)
	}

	all := SyntheticCandles(time.Now().Add(-time.Hour), "5m", 12, 100, 1)
	src.SetCandles("NIFTY", "5m", all)

	bars, err = src.RecentOHLC(ctx, "NIFTY", "5m", 5)
	if err != nil {
		t.Fatalf("RecentOHLC() error = %v", err)
	}
	if len(bars) != 5 {
		t.Fatalf("len(bars) = %d, want 5", len(bars))
	}
	if bars[4].Close != all[11].Close {
		t.Errorf("last bar close = %f, want %f", bars[4].Close, all[11].Close)
	}
}

func TestMockSource_OptionsChainDisabled(t *testing.T) {
	src := NewMockSource()
	if _, err := src.FetchOptionsChain(context.Background(), "NIFTY"); !errors.Is(err, ErrCapabilityDisabled) {
		t.Errorf("FetchOptionsChain() error = %v, want ErrCapabilityDisabled", err)
	}
}

func TestSummarize(t *testing.T) {
	stats := Summarize(nil)
	if stats.Average != 0 || stats.Trend != "stable" {
		t.Errorf("Summarize(nil) = %+v", stats)
	}

	// Newest first; sentiment swung positive recently.
	items := []NewsItem{
		{Sentiment: 0.8},
		{Sentiment: 0.6},
		{Sentiment: -0.2},
		{Sentiment: -0.4},
	}
	stats = Summarize(items)
	if math.Abs(stats.Average-0.2) > 1e-9 {
		t.Errorf("Average = %f, want 0.2", stats.Average)
	}
	if stats.Positive != 2 || stats.Negative != 2 || stats.Neutral != 0 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.Trend != "improving" {
		t.Errorf("Trend = %q, want improving", stats.Trend)
	}
}

func TestSyntheticCandles(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)
	bars := SyntheticCandles(start, "5m", 6, 100, 2)

	if len(bars) != 6 {
		t.Fatalf("len(bars) = %d, want 6", len(bars))
	}
	if got := bars[1].OpenTime.Sub(bars[0].OpenTime); got != 5*time.Minute {
		t.Errorf("bar spacing = %v, want 5m", got)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Close <= bars[i-1].Close {
			t.Errorf("closes not rising at bar %d: %f then %f", i, bars[i-1].Close, bars[i].Close)
		}
	}
	if bars[0].Open != 100 || bars[0].Close != 102 {
		t.Errorf("first bar = %+v", bars[0])
	}
}
