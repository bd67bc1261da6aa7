// Package instrument maps a configured (symbol, venue, data source) triple to
// an immutable runtime profile: instrument type, capability flags, market
// hours, and the cadence the strategic loop should run at. Agents dispatch on
// the profile, never on symbol substrings.
package instrument

import (
	"fmt"
	"strings"
	"time"
)

// Type tags the kind of instrument being traded
type Type string

const (
	TypeSpot          Type = "SPOT"
	TypeFutures       Type = "FUTURES"
	TypeOptions       Type = "OPTIONS"
	TypeIndex         Type = "INDEX"
	TypeCryptoSpot    Type = "CRYPTO_SPOT"
	TypeCryptoFutures Type = "CRYPTO_FUTURES"
	TypeCryptoOptions Type = "CRYPTO_OPTIONS"
	TypeStock         Type = "STOCK"
)

// IsCrypto reports whether the type trades on a 24/7 crypto venue
func (t Type) IsCrypto() bool {
	switch t {
	case TypeCryptoSpot, TypeCryptoFutures, TypeCryptoOptions:
		return true
	}
	return false
}

// IsDerivative reports whether the type carries derivative exposure
func (t Type) IsDerivative() bool {
	switch t {
	case TypeFutures, TypeOptions, TypeCryptoFutures, TypeCryptoOptions:
		return true
	}
	return false
}

// MarketHours describes when the venue trades
type MarketHours struct {
	Always   bool   // 24/7 venue
	Timezone string // IANA zone for Open/Close
	Open     string // "15:04"
	Close    string // "15:04"
	Weekdays []time.Weekday
}

// IsOpen reports whether the market trades at the given instant
func (h MarketHours) IsOpen(at time.Time) bool {
	if h.Always {
		return true
	}

	loc, err := time.LoadLocation(h.Timezone)
	if err != nil {
		return false
	}
	local := at.In(loc)

	dayOK := false
	for _, wd := range h.Weekdays {
		if local.Weekday() == wd {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}

	open, err1 := time.Parse("15:04", h.Open)
	closeT, err2 := time.Parse("15:04", h.Close)
	if err1 != nil || err2 != nil {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	openMin := open.Hour()*60 + open.Minute()
	closeMin := closeT.Hour()*60 + closeT.Minute()
	return minutes >= openMin && minutes < closeMin
}

// Profile is the immutable runtime description of the traded instrument
type Profile struct {
	Symbol   string
	Venue    string
	Currency string
	Region   string
	Type     Type

	HasOptions bool
	HasFutures bool
	HasSpot    bool

	Derivatives []string // related derivative symbols, if any

	Hours MarketHours

	OptimalCadenceMinutes int
}

// OptimalCadence returns the strategic cadence as a duration
func (p *Profile) OptimalCadence() time.Duration {
	if p.OptimalCadenceMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(p.OptimalCadenceMinutes) * time.Minute
}

type venueInfo struct {
	currency string
	region   string
	crypto   bool
	hours    MarketHours
}

var weekdaysMonFri = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
}

var knownVenues = map[string]venueInfo{
	"binance":  {currency: "USDT", region: "global", crypto: true, hours: MarketHours{Always: true}},
	"bybit":    {currency: "USDT", region: "global", crypto: true, hours: MarketHours{Always: true}},
	"coinbase": {currency: "USD", region: "global", crypto: true, hours: MarketHours{Always: true}},
	"kraken":   {currency: "USD", region: "global", crypto: true, hours: MarketHours{Always: true}},
	"nse": {currency: "INR", region: "IN", hours: MarketHours{
		Timezone: "Asia/Kolkata", Open: "09:15", Close: "15:30", Weekdays: weekdaysMonFri,
	}},
	"bse": {currency: "INR", region: "IN", hours: MarketHours{
		Timezone: "Asia/Kolkata", Open: "09:15", Close: "15:30", Weekdays: weekdaysMonFri,
	}},
	"nyse": {currency: "USD", region: "US", hours: MarketHours{
		Timezone: "America/New_York", Open: "09:30", Close: "16:00", Weekdays: weekdaysMonFri,
	}},
	"nasdaq": {currency: "USD", region: "US", hours: MarketHours{
		Timezone: "America/New_York", Open: "09:30", Close: "16:00", Weekdays: weekdaysMonFri,
	}},
}

// optionable index symbols on derivative venues
var indexSymbols = map[string]bool{
	"NIFTY":      true,
	"BANKNIFTY":  true,
	"FINNIFTY":   true,
	"MIDCPNIFTY": true,
	"SENSEX":     true,
	"SPX":        true,
	"NDX":        true,
}

// Detect builds the profile for a configured instrument. The venue decides
// currency, region, and market hours; the symbol decides the type within the
// venue family. Unknown venues get a conservative 24/5 stock profile.
func Detect(symbol, venue, dataSource string) (*Profile, error) {
	if symbol == "" || venue == "" {
		return nil, fmt.Errorf("instrument symbol and venue are required")
	}

	venueKey := strings.ToLower(venue)
	info, known := knownVenues[venueKey]
	if !known {
		info = venueInfo{
			currency: "USD",
			region:   "unknown",
			hours: MarketHours{
				Timezone: "UTC", Open: "00:00", Close: "23:59", Weekdays: weekdaysMonFri,
			},
		}
	}

	p := &Profile{
		Symbol:                strings.ToUpper(symbol),
		Venue:                 venueKey,
		Currency:              info.currency,
		Region:                info.region,
		Hours:                 info.hours,
		OptimalCadenceMinutes: 15,
	}

	switch {
	case info.crypto && isPerpetual(p.Symbol):
		p.Type = TypeCryptoFutures
		p.HasFutures = true
		p.HasSpot = true
		p.Derivatives = []string{p.Symbol}
	case info.crypto:
		p.Type = TypeCryptoSpot
		p.HasSpot = true
		p.HasFutures = true // major crypto venues list perps alongside spot
		p.Derivatives = []string{p.Symbol + "-PERP"}
	case indexSymbols[p.Symbol]:
		p.Type = TypeIndex
		p.HasOptions = true
		p.HasFutures = true
		p.Derivatives = []string{p.Symbol + "-FUT", p.Symbol + "-OPT"}
		p.OptimalCadenceMinutes = 10 // index sessions are short; analyze more often
	default:
		p.Type = TypeStock
		p.HasSpot = true
	}

	// A cache-backed data source means ticks arrive second-hand; there is no
	// point analyzing faster than the upstream refresh.
	if dataSource == "cache" && p.OptimalCadenceMinutes < 15 {
		p.OptimalCadenceMinutes = 15
	}

	return p, nil
}

func isPerpetual(symbol string) bool {
	return strings.HasSuffix(symbol, "-PERP") || strings.HasSuffix(symbol, "PERP") ||
		strings.HasSuffix(symbol, "-FUT")
}
