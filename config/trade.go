package config

// TradeConfig enumerates every protocol timing and fee knob. Durations are
// in seconds. Zero values fall back to the build defaults at load time, so
// old config files keep working when knobs are added.
type TradeConfig struct {
	// KeepAliveInterval is the maker-order rebroadcast cadence.
	KeepAliveInterval uint64 `json:"keepAliveInterval"`

	// MakerOrderTimeout drops a remote order after this long without a
	// keep-alive.
	MakerOrderTimeout uint64 `json:"makerOrderTimeout"`

	// TakerOrderTimeout converts (GTC) or drops (FoK) an unmatched taker
	// order.
	TakerOrderTimeout uint64 `json:"takerOrderTimeout"`

	// OrderMatchTimeout discards a reserved match that never connected.
	OrderMatchTimeout uint64 `json:"orderMatchTimeout"`

	// OrderbookRequestTimeout bounds a GetOrderbook round to relays.
	OrderbookRequestTimeout uint64 `json:"orderbookRequestTimeout"`

	// InactiveOrderTimeout purges inactive remote orders for good.
	InactiveOrderTimeout uint64 `json:"inactiveOrderTimeout"`

	// PaymentLocktimeBase is the base lock duration L in seconds.
	PaymentLocktimeBase uint64 `json:"paymentLocktimeBase"`

	// LocktimeCoinMultiplier scales L per ticker; slow chains get up to
	// 10x. The slowest coin of a pair decides.
	LocktimeCoinMultiplier map[string]uint64 `json:"locktimeCoinMultiplier"`

	// NegotiationTimeout bounds the negotiation message exchange.
	NegotiationTimeout uint64 `json:"negotiationTimeout"`

	// MaxStartedAtDiff bounds accepted clock skew between the two sides.
	MaxStartedAtDiff uint64 `json:"maxStartedAtDiff"`

	// DexFeeDivisor: taker fee = taker_volume / divisor.
	DexFeeDivisor uint64 `json:"dexFeeDivisor"`

	// RequestRateLimit caps inbound direct requests per peer per second.
	RequestRateLimit uint64 `json:"requestRateLimit"`
}

// Normalized fills zero-valued knobs with the defaults so a
// hand-trimmed config file cannot stall a ticker or zero a divisor.
func (c TradeConfig) Normalized() TradeConfig {
	def := newDefaultTradeConfig()
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.MakerOrderTimeout == 0 {
		c.MakerOrderTimeout = def.MakerOrderTimeout
	}
	if c.TakerOrderTimeout == 0 {
		c.TakerOrderTimeout = def.TakerOrderTimeout
	}
	if c.OrderMatchTimeout == 0 {
		c.OrderMatchTimeout = def.OrderMatchTimeout
	}
	if c.OrderbookRequestTimeout == 0 {
		c.OrderbookRequestTimeout = def.OrderbookRequestTimeout
	}
	if c.InactiveOrderTimeout == 0 {
		c.InactiveOrderTimeout = def.InactiveOrderTimeout
	}
	if c.PaymentLocktimeBase == 0 {
		c.PaymentLocktimeBase = def.PaymentLocktimeBase
	}
	if c.LocktimeCoinMultiplier == nil {
		c.LocktimeCoinMultiplier = map[string]uint64{}
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = def.NegotiationTimeout
	}
	if c.MaxStartedAtDiff == 0 {
		c.MaxStartedAtDiff = def.MaxStartedAtDiff
	}
	if c.DexFeeDivisor == 0 {
		c.DexFeeDivisor = def.DexFeeDivisor
	}
	if c.RequestRateLimit == 0 {
		c.RequestRateLimit = def.RequestRateLimit
	}
	return c
}

func newDefaultTradeConfig() TradeConfig {
	return TradeConfig{
		KeepAliveInterval:       30,
		MakerOrderTimeout:       90,
		TakerOrderTimeout:       30,
		OrderMatchTimeout:       30,
		OrderbookRequestTimeout: 60,
		InactiveOrderTimeout:    240,
		PaymentLocktimeBase:     7500,
		LocktimeCoinMultiplier:  map[string]uint64{},
		NegotiationTimeout:      90,
		MaxStartedAtDiff:        60,
		DexFeeDivisor:           777,
		RequestRateLimit:        10,
	}
}
