package kalshi

import "time"

// NormalizedMarket is the standard form of a market used in snapshot
// normalized fields. Prices are converted from cents to probabilities.
type NormalizedMarket struct {
	Source             string   `json:"source"`
	MarketID           string   `json:"market_id"`
	Title              string   `json:"title"`
	Status             string   `json:"status"`
	YesBid             *float64 `json:"yes_bid"`
	YesAsk             *float64 `json:"yes_ask"`
	NoBid              *float64 `json:"no_bid"`
	NoAsk              *float64 `json:"no_ask"`
	ImpliedProbability *float64 `json:"implied_probability"`
	Volume             int64    `json:"volume"`
	OpenInterest       int64    `json:"open_interest"`
	CloseTime          *string  `json:"close_time"`
}

// NormalizeMarket converts cent prices to probabilities and derives the
// implied probability as the yes bid/ask midpoint. A zero price means no
// quote on that side.
func NormalizeMarket(market Market) NormalizedMarket {
	yesBid := centsToProb(market.YesBid)
	yesAsk := centsToProb(market.YesAsk)
	noBid := centsToProb(market.NoBid)
	noAsk := centsToProb(market.NoAsk)

	var implied *float64
	switch {
	case yesBid != nil && yesAsk != nil:
		mid := (*yesBid + *yesAsk) / 2
		implied = &mid
	case yesBid != nil:
		implied = yesBid
	case yesAsk != nil:
		implied = yesAsk
	}

	var closeTime *string
	if market.CloseTime != nil {
		s := market.CloseTime.UTC().Format(time.RFC3339)
		closeTime = &s
	}

	return NormalizedMarket{
		Source:             "kalshi",
		MarketID:           market.Ticker,
		Title:              market.Title,
		Status:             market.Status,
		YesBid:             yesBid,
		YesAsk:             yesAsk,
		NoBid:              noBid,
		NoAsk:              noAsk,
		ImpliedProbability: implied,
		Volume:             market.Volume,
		OpenInterest:       market.OpenInterest,
		CloseTime:          closeTime,
	}
}

func centsToProb(cents int) *float64 {
	if cents == 0 {
		return nil
	}
	p := float64(cents) / 100
	return &p
}
