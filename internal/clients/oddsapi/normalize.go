package oddsapi

import "time"

// AmericanToProbability converts American odds to implied probability.
func AmericanToProbability(americanOdds int) float64 {
	if americanOdds > 0 {
		return 100 / (float64(americanOdds) + 100)
	}
	abs := float64(-americanOdds)
	return abs / (abs + 100)
}

// NoVigProbability removes the bookmaker overround from a two-way market:
// both implied probabilities are normalized so they sum to 1.
func NoVigProbability(homeOdds, awayOdds int) (float64, float64) {
	homeImplied := AmericanToProbability(homeOdds)
	awayImplied := AmericanToProbability(awayOdds)

	total := homeImplied + awayImplied
	return homeImplied / total, awayImplied / total
}

// NormalizedEvent is the standard form of an event used in snapshot
// normalized fields.
type NormalizedEvent struct {
	Source         string   `json:"source"`
	EventID        string   `json:"event_id"`
	SportKey       string   `json:"sport_key"`
	SportTitle     string   `json:"sport_title"`
	CommenceTime   string   `json:"commence_time"`
	HomeTeam       string   `json:"home_team"`
	AwayTeam       string   `json:"away_team"`
	BestHomeOdds   *int     `json:"best_home_odds"`
	BestAwayOdds   *int     `json:"best_away_odds"`
	HomeNoVigProb  *float64 `json:"home_no_vig_prob"`
	AwayNoVigProb  *float64 `json:"away_no_vig_prob"`
	BookmakerCount int      `json:"bookmaker_count"`
}

// NormalizeEvent extracts the best h2h odds across bookmakers and derives
// no-vig probabilities from them.
func NormalizeEvent(event Event) NormalizedEvent {
	var bestHome, bestAway *int
	bookmakerCount := 0

	for _, bookmaker := range event.Bookmakers {
		bookmakerCount++
		for _, market := range bookmaker.Markets {
			if market.Key != "h2h" {
				continue
			}
			for _, outcome := range market.Outcomes {
				price := outcome.Price
				switch outcome.Name {
				case event.HomeTeam:
					if bestHome == nil || price > *bestHome {
						p := price
						bestHome = &p
					}
				case event.AwayTeam:
					if bestAway == nil || price > *bestAway {
						p := price
						bestAway = &p
					}
				}
			}
		}
	}

	var homeProb, awayProb *float64
	if bestHome != nil && bestAway != nil {
		h, a := NoVigProbability(*bestHome, *bestAway)
		homeProb, awayProb = &h, &a
	}

	return NormalizedEvent{
		Source:         "odds_api",
		EventID:        event.ID,
		SportKey:       event.SportKey,
		SportTitle:     event.SportTitle,
		CommenceTime:   event.CommenceTime.UTC().Format(time.RFC3339),
		HomeTeam:       event.HomeTeam,
		AwayTeam:       event.AwayTeam,
		BestHomeOdds:   bestHome,
		BestAwayOdds:   bestAway,
		HomeNoVigProb:  homeProb,
		AwayNoVigProb:  awayProb,
		BookmakerCount: bookmakerCount,
	}
}

// FilterEventsByDate keeps events whose commence time falls on the target
// UTC date.
func FilterEventsByDate(events []Event, target time.Time) []Event {
	y, m, d := target.UTC().Date()

	var filtered []Event
	for _, event := range events {
		ey, em, ed := event.CommenceTime.UTC().Date()
		if ey == y && em == m && ed == d {
			filtered = append(filtered, event)
		}
	}
	return filtered
}
