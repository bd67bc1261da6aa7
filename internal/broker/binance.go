package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"

	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
)

// BinanceBroker submits live market orders. Stop-loss and take-profit
// are carried on the result for the position monitor; the entry itself
// goes in as a market order tagged with the client order id, which the
// venue deduplicates.
type BinanceBroker struct {
	client *binance.Client
	retry  RetryConfig
	logger zerolog.Logger
}

// NewBinanceBroker builds the live adapter.
func NewBinanceBroker(cfg config.ExchangeConfig) *BinanceBroker {
	logger := config.NewLogger("broker")

	if cfg.Testnet {
		binance.UseTestnet = true
		logger.Info().Msg("Binance broker initialized (TESTNET)")
	} else {
		logger.Warn().Msg("Binance broker initialized (LIVE TRADING)")
	}

	return &BinanceBroker{
		client: binance.NewClient(cfg.APIKey, cfg.SecretKey),
		retry:  DefaultRetryConfig(),
		logger: logger,
	}
}

// PlaceOrder submits a market order and waits for the venue's fill.
func (b *BinanceBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	start := time.Now()

	if req.Symbol == "" || !validSide(req.Side) || req.Quantity <= 0 {
		metrics.RecordOrder(string(req.Side), "rejected", float64(time.Since(start).Milliseconds()))
		return &OrderResult{
			ClientID:  req.ClientID,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Status:    StatusRejected,
			Message:   "invalid order request",
			Timestamp: time.Now().UTC(),
		}, nil
	}

	side := binance.SideTypeBuy
	if req.Side == SideSell {
		side = binance.SideTypeSell
	}

	var resp *binance.CreateOrderResponse
	err := withRetry(ctx, b.retry, func() error {
		service := b.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(side).
			Type(binance.OrderTypeMarket).
			Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64))
		if req.ClientID != "" {
			service = service.NewClientOrderID(req.ClientID)
		}
		var callErr error
		resp, callErr = service.Do(ctx)
		return callErr
	})
	if err != nil {
		metrics.RecordBrokerError(err)
		metrics.RecordOrder(string(req.Side), "error", float64(time.Since(start).Milliseconds()))
		return nil, fmt.Errorf("failed to place %s order for %s: %w", req.Side, req.Symbol, err)
	}

	result := &OrderResult{
		OrderID:    strconv.FormatInt(resp.OrderID, 10),
		ClientID:   resp.ClientOrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     StatusComplete,
		Timestamp:  time.UnixMilli(resp.TransactTime).UTC(),
	}

	var totalQty, totalValue, totalFees float64
	for _, fill := range resp.Fills {
		price, perr := strconv.ParseFloat(fill.Price, 64)
		qty, qerr := strconv.ParseFloat(fill.Quantity, 64)
		if perr != nil || qerr != nil {
			continue
		}
		totalQty += qty
		totalValue += price * qty
		if commission, cerr := strconv.ParseFloat(fill.Commission, 64); cerr == nil {
			totalFees += commission
		}
	}
	if totalQty > 0 {
		result.FilledQuantity = totalQty
		result.FilledPrice = totalValue / totalQty
		result.Fees = totalFees
	} else {
		if qty, qerr := strconv.ParseFloat(resp.ExecutedQuantity, 64); qerr == nil {
			result.FilledQuantity = qty
		}
		if price, perr := strconv.ParseFloat(resp.Price, 64); perr == nil {
			result.FilledPrice = price
		}
	}

	if resp.Status != binance.OrderStatusTypeFilled {
		result.Status = StatusPending
		result.Message = string(resp.Status)
	}

	metrics.RecordOrder(string(req.Side), "complete", float64(time.Since(start).Milliseconds()))
	b.logger.Info().
		Str("order_id", result.OrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("filled_qty", result.FilledQuantity).
		Float64("filled_price", result.FilledPrice).
		Str("status", string(result.Status)).
		Msg("Live order placed")

	return result, nil
}
