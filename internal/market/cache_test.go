package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client), mr
}

func TestNewCache_NilClient(t *testing.T) {
	if cache := NewCache(nil); cache != nil {
		t.Error("Expected nil cache for nil client")
	}
}

func TestCache_TickRoundTrip(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if _, found := cache.GetTick(ctx, "NIFTY"); found {
		t.Error("Expected miss on empty cache")
	}

	tick := &Tick{
		Symbol:       "NIFTY",
		Price:        23500.5,
		BestBid:      23500.0,
		BestAsk:      23501.0,
		Bids:         []Level{{Price: 23500.0, Quantity: 150}},
		Asks:         []Level{{Price: 23501.0, Quantity: 120}},
		TotalBuyQty:  4200,
		TotalSellQty: 3900,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
	}
	if err := cache.SetTick(ctx, tick); err != nil {
		t.Fatalf("SetTick() error = %v", err)
	}

	got, found := cache.GetTick(ctx, "NIFTY")
	if !found {
		t.Fatal("Expected hit after SetTick")
	}
	if got.Price != tick.Price || got.BestBid != tick.BestBid || got.TotalBuyQty != tick.TotalBuyQty {
		t.Errorf("GetTick() = %+v, want %+v", got, tick)
	}
	if len(got.Bids) != 1 || got.Bids[0].Quantity != 150 {
		t.Errorf("Bids = %+v, want one level of 150", got.Bids)
	}

	// The entry expires with the tick TTL.
	mr.FastForward(TickTTL + time.Second)
	if _, found := cache.GetTick(ctx, "NIFTY"); found {
		t.Error("Expected miss after TTL expiry")
	}
}

func TestCache_FuturesRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	snap := &FuturesSnapshot{
		Symbol:      "BTCUSDT",
		MarkPrice:   64000.5,
		FundingRate: 0.0001,
		Strikes: []StrikeOI{
			{Strike: 64000, CallOI: 1200, PutOI: 900},
			{Strike: 65000, CallOI: 800, PutOI: 1500},
		},
		Timestamp: time.Now().UTC(),
	}
	if err := cache.SetFutures(ctx, snap); err != nil {
		t.Fatalf("SetFutures() error = %v", err)
	}

	got, found := cache.GetFutures(ctx, "BTCUSDT")
	if !found {
		t.Fatal("Expected hit after SetFutures")
	}
	if got.MarkPrice != snap.MarkPrice || len(got.Strikes) != 2 {
		t.Errorf("GetFutures() = %+v, want %+v", got, snap)
	}
}

func TestCache_BundleSlotRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	type bundle struct {
		StrategyID string `json:"strategy_id"`
		Rules      int    `json:"rules"`
	}

	if err := cache.SetJSON(ctx, BundleKey, bundle{StrategyID: "s-1", Rules: 4}, 10*time.Minute); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	var got bundle
	if !cache.GetJSON(ctx, BundleKey, &got) {
		t.Fatal("Expected hit for bundle key")
	}
	if got.StrategyID != "s-1" || got.Rules != 4 {
		t.Errorf("GetJSON() = %+v", got)
	}
}

func TestCache_Delete(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	tick := &Tick{Symbol: "NIFTY", Price: 100}
	if err := cache.SetTick(ctx, tick); err != nil {
		t.Fatalf("SetTick() error = %v", err)
	}
	if err := cache.Delete(ctx, TickKey("NIFTY")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, found := cache.GetTick(ctx, "NIFTY"); found {
		t.Error("Expected miss after delete")
	}
}

func TestCache_Health(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}

	mr.Close()
	if err := cache.Health(ctx); err == nil {
		t.Error("Expected health failure after redis shutdown")
	}
}

func TestCache_HitRate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	cache.GetTick(ctx, "MISSING")
	if err := cache.SetTick(ctx, &Tick{Symbol: "NIFTY", Price: 1}); err != nil {
		t.Fatalf("SetTick() error = %v", err)
	}
	cache.GetTick(ctx, "NIFTY")

	if rate := cache.HitRate(); rate != 0.5 {
		t.Errorf("HitRate() = %f, want 0.5", rate)
	}
}

func TestCache_NilSafe(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	if cache.GetJSON(ctx, "k", &struct{}{}) {
		t.Error("Expected miss on nil cache")
	}
	if _, found := cache.GetTick(ctx, "NIFTY"); found {
		t.Error("Expected miss on nil cache")
	}
	if err := cache.SetJSON(ctx, "k", 1, time.Minute); err == nil {
		t.Error("Expected error on nil cache write")
	}
	if err := cache.Health(ctx); err == nil {
		t.Error("Expected error on nil cache health")
	}
	if rate := cache.HitRate(); rate != 0 {
		t.Errorf("HitRate() = %f, want 0", rate)
	}
}
