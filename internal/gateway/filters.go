package gateway

import (
	"math"
	"sort"

	"scanner-gatewayv1/internal/model"
)

const defaultFilterLimit = 100

// categoryFilter is one canonical fallback filter: membership predicate,
// sort key, direction, and result limit.
type categoryFilter struct {
	match func(model.Row) bool
	key   func(model.Row) float64
	asc   bool
	limit int
}

func matchAll(model.Row) bool { return true }

// pullback is the percent retracement from the intraday extreme in the
// direction of the day's move.
func pullback(r model.Row) float64 {
	if r.Change >= 0 {
		if r.DayHigh <= 0 {
			return 0
		}
		return (r.DayHigh - r.Price) / r.DayHigh * 100
	}
	if r.DayLow <= 0 {
		return 0
	}
	return (r.Price - r.DayLow) / r.DayLow * 100
}

var categoryFilters = map[string]categoryFilter{
	"gappers_up": {
		match: func(r model.Row) bool { return r.Gap > 0 },
		key:   func(r model.Row) float64 { return r.Gap },
	},
	"gappers_down": {
		match: func(r model.Row) bool { return r.Gap < 0 },
		key:   func(r model.Row) float64 { return r.Gap },
		asc:   true,
	},
	"momentum_up": {
		match: matchAll,
		key:   func(r model.Row) float64 { return r.Change },
	},
	"momentum_down": {
		match: matchAll,
		key:   func(r model.Row) float64 { return r.Change },
		asc:   true,
	},
	"winners": {
		match: func(r model.Row) bool { return r.Change > 5 },
		key:   func(r model.Row) float64 { return r.Change },
	},
	"losers": {
		match: func(r model.Row) bool { return r.Change < -5 },
		key:   func(r model.Row) float64 { return r.Change },
		asc:   true,
	},
	"high_volume": {
		match: func(r model.Row) bool { return r.RelativeVolume > 2 },
		key:   func(r model.Row) float64 { return r.RelativeVolume },
	},
	"new_highs": {
		match: func(r model.Row) bool { return r.DayHigh > 0 && r.Price >= r.DayHigh*0.99 },
		key:   func(r model.Row) float64 { return r.Price / r.DayHigh },
	},
	"new_lows": {
		match: func(r model.Row) bool { return r.DayLow > 0 && r.Price <= r.DayLow*1.01 },
		key:   func(r model.Row) float64 { return r.Price / r.DayLow },
		asc:   true,
	},
	"anomalies": {
		match: func(r model.Row) bool { return r.RelativeVolume > 5 || math.Abs(r.Change) > 10 },
		key:   func(r model.Row) float64 { return r.RelativeVolume },
	},
	"reversals": {
		match: func(r model.Row) bool { return pullback(r) > 5 },
		key:   pullback,
	},
}

// ApplyCategoryFilter builds a ranked list for a category from the full
// filtered universe. Unknown categories rank the top rows by score.
// Ties break by symbol so the output is deterministic.
func ApplyCategoryFilter(list string, universe []model.Row) []model.Row {
	f, ok := categoryFilters[list]
	if !ok {
		f = categoryFilter{
			match: matchAll,
			key:   func(r model.Row) float64 { return r.Score },
		}
	}
	if f.limit <= 0 {
		f.limit = defaultFilterLimit
	}

	rows := make([]model.Row, 0, len(universe))
	for _, r := range universe {
		if f.match(r) {
			rows = append(rows, r)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		ki, kj := f.key(rows[i]), f.key(rows[j])
		if ki != kj {
			if f.asc {
				return ki < kj
			}
			return ki > kj
		}
		return rows[i].Symbol < rows[j].Symbol
	})

	if len(rows) > f.limit {
		rows = rows[:f.limit]
	}
	for i := range rows {
		rows[i].Rank = i
	}
	return rows
}
