package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Row is one ranked ticker row as published by the scanner.
type Row struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	Gap            float64 `json:"gap"`
	Change         float64 `json:"change"`
	RelativeVolume float64 `json:"relative_volume"`
	Volume         float64 `json:"volume"`
	DayHigh        float64 `json:"day_high"`
	DayLow         float64 `json:"day_low"`
	Score          float64 `json:"score"`
	Rank           int     `json:"rank"`
}

// DeltaOp is a single ranked-list mutation.
// Op is one of "add", "remove", "update", "rerank".
type DeltaOp struct {
	Op     string `json:"op"`
	Symbol string `json:"symbol"`
	Row    *Row   `json:"row,omitempty"`
	Rank   int    `json:"rank,omitempty"`
}

// RankingMessage is one entry from stream:ranking:deltas, decoded once
// at the consumer boundary.
type RankingMessage struct {
	Type     string // "snapshot" or "delta"
	List     string
	Sequence int64
	Rows     []Row     // populated for snapshots
	Ops      []DeltaOp // populated for deltas
	Raw      json.RawMessage
}

// ParseRankingMessage decodes the flat field-value pairs of a ranking
// stream entry.
func ParseRankingMessage(values map[string]interface{}) (*RankingMessage, error) {
	msg := &RankingMessage{
		Type: stringField(values, "type"),
		List: stringField(values, "list", "category"),
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("ranking entry missing type")
	}
	if msg.List == "" {
		return nil, fmt.Errorf("ranking entry missing list")
	}
	msg.Sequence = int64Field(values, "sequence", "seq")

	data := stringField(values, "data")
	if data == "" {
		return nil, fmt.Errorf("ranking entry missing data")
	}
	msg.Raw = json.RawMessage(data)

	switch msg.Type {
	case "snapshot":
		if err := json.Unmarshal(msg.Raw, &msg.Rows); err != nil {
			// Some producers wrap the rows in an envelope.
			var wrapped struct {
				Rows []Row `json:"rows"`
			}
			if err2 := json.Unmarshal(msg.Raw, &wrapped); err2 != nil {
				return nil, fmt.Errorf("unmarshal snapshot rows: %w", err)
			}
			msg.Rows = wrapped.Rows
		}
	case "delta":
		if err := json.Unmarshal(msg.Raw, &msg.Ops); err != nil {
			return nil, fmt.Errorf("unmarshal delta ops: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown ranking entry type %q", msg.Type)
	}
	return msg, nil
}

// Aggregate is one per-symbol bar from stream:realtime:aggregates.
type Aggregate struct {
	Symbol            string  `json:"symbol"`
	Open              float64 `json:"open"`
	High              float64 `json:"high"`
	Low               float64 `json:"low"`
	Close             float64 `json:"close"`
	Volume            float64 `json:"volume"`
	AccumulatedVolume float64 `json:"accumulated_volume"`
	RelativeVolume    float64 `json:"relative_volume"`
	VWAP              float64 `json:"vwap"`
	Timestamp         int64   `json:"timestamp"` // epoch millis

	Raw json.RawMessage `json:"-"`
}

// ParseAggregate decodes an aggregates stream entry.
func ParseAggregate(values map[string]interface{}) (*Aggregate, error) {
	data := stringField(values, "data")
	if data == "" {
		return nil, fmt.Errorf("aggregate entry missing data")
	}
	agg := &Aggregate{}
	if err := json.Unmarshal([]byte(data), agg); err != nil {
		return nil, fmt.Errorf("unmarshal aggregate: %w", err)
	}
	if s := stringField(values, "symbol"); s != "" {
		agg.Symbol = s
	}
	if agg.Symbol == "" {
		return nil, fmt.Errorf("aggregate entry missing symbol")
	}
	agg.Raw = json.RawMessage(data)
	return agg, nil
}

// Quote is one NBBO update from stream:realtime:quotes.
type Quote struct {
	Symbol    string  `json:"symbol"`
	BidPrice  float64 `json:"bid_price"`
	BidSize   float64 `json:"bid_size"`
	AskPrice  float64 `json:"ask_price"`
	AskSize   float64 `json:"ask_size"`
	Timestamp int64   `json:"timestamp"`

	Raw json.RawMessage `json:"-"`
}

// ParseQuote decodes a quotes stream entry.
func ParseQuote(values map[string]interface{}) (*Quote, error) {
	data := stringField(values, "data")
	if data == "" {
		return nil, fmt.Errorf("quote entry missing data")
	}
	q := &Quote{}
	if err := json.Unmarshal([]byte(data), q); err != nil {
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	if s := stringField(values, "symbol"); s != "" {
		q.Symbol = s
	}
	if q.Symbol == "" {
		return nil, fmt.Errorf("quote entry missing symbol")
	}
	q.Raw = json.RawMessage(data)
	return q, nil
}

// Filing is one SEC filing notice from stream:sec:filings.
type Filing struct {
	Symbol string
	Raw    json.RawMessage
}

// ParseFiling decodes a filings stream entry.
func ParseFiling(values map[string]interface{}) (*Filing, error) {
	data := stringField(values, "data")
	if data == "" {
		return nil, fmt.Errorf("filing entry missing data")
	}
	return &Filing{
		Symbol: stringField(values, "symbol"),
		Raw:    json.RawMessage(data),
	}, nil
}

// News is one item from stream:benzinga:news. Type distinguishes plain
// news from catalyst alerts relayed on the same stream.
type News struct {
	Type   string
	Symbol string
	Raw    json.RawMessage
}

// ParseNews decodes a news stream entry.
func ParseNews(values map[string]interface{}) (*News, error) {
	data := stringField(values, "data")
	if data == "" {
		return nil, fmt.Errorf("news entry missing data")
	}
	n := &News{
		Type:   stringField(values, "type"),
		Symbol: stringField(values, "symbol"),
		Raw:    json.RawMessage(data),
	}
	if n.Type == "" {
		var partial struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(n.Raw, &partial) == nil {
			n.Type = partial.Type
		}
	}
	return n, nil
}

// CatalystEntry is one compact per-symbol record pushed onto
// catalyst:snapshot:<symbol>.
type CatalystEntry struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	Volume         float64 `json:"volume"`
	RelativeVolume float64 `json:"relative_volume"`
	Timestamp      int64   `json:"timestamp"` // epoch millis
}

// JSON serializes the entry for the capped Redis list.
func (e CatalystEntry) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ScanChange is a ws:user_scans:changed pub/sub payload.
type ScanChange struct {
	Action   string `json:"action"` // "created", "updated", "deleted"
	ScanID   string `json:"scan_id"`
	Category string `json:"category"`
	UserID   string `json:"user_id"`
}

// ── field-value helpers ──

func stringField(values map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := values[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func int64Field(values map[string]interface{}, keys ...string) int64 {
	n, err := strconv.ParseInt(stringField(values, keys...), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
