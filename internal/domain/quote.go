package domain

// VenueLeg is one leg of a routed execution plan.
type VenueLeg struct {
	Venue      Venue  `json:"venue"`
	Collateral uint64 `json:"collateral"`
	Shares     uint64 `json:"shares"`
	PriceBps   uint64 `json:"price_bps"`
}

// BuyQuote is the routed plan for buying shares with collateral. For buys,
// each leg's Collateral is spent and Shares received.
type BuyQuote struct {
	MarketID   string     `json:"market_id"`
	Side       Side       `json:"side"`
	Collateral uint64     `json:"collateral"`
	Shares     uint64     `json:"shares"`
	Refund     uint64     `json:"refund"`
	Legs       []VenueLeg `json:"legs"`
	OTCFirst   bool       `json:"otc_first"`
}

// SellQuote is the routed plan for selling shares back to collateral. For
// sells, each leg's Shares is surrendered and Collateral received; leftover
// shares of either side are returned to the seller.
type SellQuote struct {
	MarketID    string     `json:"market_id"`
	Side        Side       `json:"side"`
	Shares      uint64     `json:"shares"`
	Collateral  uint64     `json:"collateral"`
	ReturnedYes uint64     `json:"returned_yes"`
	ReturnedNo  uint64     `json:"returned_no"`
	Legs        []VenueLeg `json:"legs"`
}
