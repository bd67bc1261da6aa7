package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
)

// PaperBroker simulates a venue: instant complete fills with
// configurable slippage and taker fees, quantity snapped to the step
// size, and a net position book for PnL tracking.
type PaperBroker struct {
	mu     sync.Mutex
	logger zerolog.Logger

	step         decimal.Decimal
	baseSlippage decimal.Decimal
	maxSlippage  decimal.Decimal
	takerFee     decimal.Decimal

	prices     map[string]decimal.Decimal
	orders     map[string]*OrderResult
	byClientID map[string]*OrderResult
	positions  map[string]*position

	realized decimal.Decimal
}

type position struct {
	qty      decimal.Decimal // signed, negative = short
	avgEntry decimal.Decimal
}

// NewPaperBroker builds the simulator from exchange fee settings.
func NewPaperBroker(fees config.FeeConfig) *PaperBroker {
	logger := config.NewLogger("broker")

	step := decimal.Zero
	if fees.StepSize != "" {
		parsed, err := decimal.NewFromString(fees.StepSize)
		if err != nil {
			logger.Warn().Str("step_size", fees.StepSize).Msg("Bad step size, quantities will not be snapped")
		} else {
			step = parsed
		}
	}

	logger.Info().
		Float64("taker_fee", fees.Taker).
		Float64("base_slippage", fees.BaseSlippage).
		Str("step_size", step.String()).
		Msg("Paper broker initialized")

	return &PaperBroker{
		logger:       logger,
		step:         step,
		baseSlippage: decimal.NewFromFloat(fees.BaseSlippage),
		maxSlippage:  decimal.NewFromFloat(fees.MaxSlippage),
		takerFee:     decimal.NewFromFloat(fees.Taker),
		prices:       make(map[string]decimal.Decimal),
		orders:       make(map[string]*OrderResult),
		byClientID:   make(map[string]*OrderResult),
		positions:    make(map[string]*position),
	}
}

// SetMarketPrice installs the reference price fills use for a symbol.
func (p *PaperBroker) SetMarketPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = decimal.NewFromFloat(price)
}

// PlaceOrder fills the order immediately. A replayed client id returns
// the original result without filling again.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientID != "" {
		if prior, ok := p.byClientID[req.ClientID]; ok {
			p.logger.Debug().
				Str("client_id", req.ClientID).
				Str("order_id", prior.OrderID).
				Msg("Replayed client id, returning original fill")
			copied := *prior
			return &copied, nil
		}
	}

	if reason := p.validate(req); reason != "" {
		result := p.reject(req, reason)
		metrics.RecordOrder(string(req.Side), "rejected", float64(time.Since(start).Milliseconds()))
		return result, nil
	}

	refPrice, ok := p.prices[req.Symbol]
	if !ok || refPrice.IsZero() {
		refPrice = decimal.NewFromFloat(req.EntryPrice)
	}
	if refPrice.LessThanOrEqual(decimal.Zero) {
		result := p.reject(req, "no reference price for symbol")
		metrics.RecordOrder(string(req.Side), "rejected", float64(time.Since(start).Milliseconds()))
		return result, nil
	}

	qty := p.snapQuantity(decimal.NewFromFloat(req.Quantity))
	if qty.LessThanOrEqual(decimal.Zero) {
		result := p.reject(req, "quantity below step size")
		metrics.RecordOrder(string(req.Side), "rejected", float64(time.Since(start).Milliseconds()))
		return result, nil
	}

	fillPrice := p.applySlippage(refPrice, qty, req.Side)
	fees := fillPrice.Mul(qty).Mul(p.takerFee)

	now := time.Now().UTC()
	result := &OrderResult{
		OrderID:        uuid.New().String(),
		ClientID:       req.ClientID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		FilledPrice:    fillPrice.InexactFloat64(),
		FilledQuantity: qty.InexactFloat64(),
		Fees:           fees.InexactFloat64(),
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		Status:         StatusComplete,
		Timestamp:      now,
	}

	p.orders[result.OrderID] = result
	if req.ClientID != "" {
		p.byClientID[req.ClientID] = result
	}
	p.applyFill(req.Symbol, req.Side, qty, fillPrice)
	p.publishGauges()

	metrics.RecordOrder(string(req.Side), "complete", float64(time.Since(start).Milliseconds()))
	p.logger.Info().
		Str("order_id", result.OrderID).
		Str("client_id", req.ClientID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", result.FilledQuantity).
		Float64("fill_price", result.FilledPrice).
		Msg("Paper order filled")

	return result, nil
}

// GetOrder returns a previously placed order.
func (p *PaperBroker) GetOrder(orderID string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	copied := *result
	return &copied, nil
}

// Position returns the signed net quantity and average entry for a
// symbol. ok is false when flat.
func (p *PaperBroker) Position(symbol string) (quantity, avgEntry float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, exists := p.positions[symbol]
	if !exists || pos.qty.IsZero() {
		return 0, 0, false
	}
	return pos.qty.InexactFloat64(), pos.avgEntry.InexactFloat64(), true
}

// RealizedPnL returns the cumulative realized profit across fills.
func (p *PaperBroker) RealizedPnL() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realized.InexactFloat64()
}

func (p *PaperBroker) validate(req OrderRequest) string {
	if req.Symbol == "" {
		return "symbol is required"
	}
	if !validSide(req.Side) {
		return fmt.Sprintf("invalid order side: %s", req.Side)
	}
	if req.Quantity <= 0 {
		return "quantity must be positive"
	}
	return ""
}

func (p *PaperBroker) reject(req OrderRequest, reason string) *OrderResult {
	p.logger.Warn().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("reason", reason).
		Msg("Paper order rejected")

	return &OrderResult{
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Status:    StatusRejected,
		Message:   reason,
		Timestamp: time.Now().UTC(),
	}
}

func (p *PaperBroker) snapQuantity(qty decimal.Decimal) decimal.Decimal {
	if p.step.IsZero() {
		return qty
	}
	return qty.Div(p.step).Floor().Mul(p.step)
}

// applySlippage widens the fill away from the reference price. Larger
// notionals slip more, capped at the configured maximum.
func (p *PaperBroker) applySlippage(price, qty decimal.Decimal, side Side) decimal.Decimal {
	notional := price.Mul(qty)
	impact := p.baseSlippage.Mul(notional.Div(decimal.NewFromInt(1_000_000)))
	slip := p.baseSlippage.Add(impact)
	if p.maxSlippage.GreaterThan(decimal.Zero) && slip.GreaterThan(p.maxSlippage) {
		slip = p.maxSlippage
	}

	one := decimal.NewFromInt(1)
	if side == SideBuy {
		return price.Mul(one.Add(slip))
	}
	return price.Mul(one.Sub(slip))
}

// applyFill folds a fill into the net position book, realizing PnL on
// the closed portion when the fill reduces or flips the position.
func (p *PaperBroker) applyFill(symbol string, side Side, qty, price decimal.Decimal) {
	signed := qty
	if side == SideSell {
		signed = qty.Neg()
	}

	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &position{qty: signed, avgEntry: price}
		return
	}

	if pos.qty.IsZero() || pos.qty.Sign() == signed.Sign() {
		total := pos.qty.Add(signed)
		if total.IsZero() {
			pos.qty = decimal.Zero
			pos.avgEntry = decimal.Zero
			return
		}
		weighted := pos.avgEntry.Mul(pos.qty.Abs()).Add(price.Mul(signed.Abs()))
		pos.avgEntry = weighted.Div(pos.qty.Abs().Add(signed.Abs()))
		pos.qty = total
		return
	}

	closing := decimal.Min(pos.qty.Abs(), signed.Abs())
	if pos.qty.Sign() > 0 {
		p.realized = p.realized.Add(price.Sub(pos.avgEntry).Mul(closing))
	} else {
		p.realized = p.realized.Add(pos.avgEntry.Sub(price).Mul(closing))
	}

	remainder := pos.qty.Add(signed)
	if remainder.IsZero() {
		pos.qty = decimal.Zero
		pos.avgEntry = decimal.Zero
	} else if remainder.Sign() == pos.qty.Sign() {
		pos.qty = remainder
	} else {
		// Fill flipped the position; the excess opens at the fill price.
		pos.qty = remainder
		pos.avgEntry = price
	}
}

func (p *PaperBroker) publishGauges() {
	open := 0
	for _, pos := range p.positions {
		if !pos.qty.IsZero() {
			open++
		}
	}
	metrics.OpenPositions.Set(float64(open))
	metrics.RealizedPnL.Set(p.realized.InexactFloat64())
}
