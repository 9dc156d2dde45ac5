package gateway

import (
	"context"
	"encoding/json"
	"log"

	"scanner-gatewayv1/internal/model"
)

// Streams the gateway consumes and their consumer groups.
const (
	StreamRankingDeltas = "stream:ranking:deltas"
	StreamAggregates    = "stream:realtime:aggregates"
	StreamQuotes        = "stream:realtime:quotes"
	StreamFilings       = "stream:sec:filings"
	StreamNews          = "stream:benzinga:news"

	GroupRankingDeltas = "websocket_server_deltas"
	GroupAggregates    = "websocket_server_aggregates"
	GroupQuotes        = "websocket_server_quotes"
)

// Handlers below are wired to one store.StreamConsumer each. Entries
// that can never parse are logged and treated as handled so they get
// ACKed instead of wedging the group.

// HandleRankingEntry routes one ranking stream entry to the snapshot
// engine.
func (h *Hub) HandleRankingEntry(ctx context.Context, values map[string]interface{}) error {
	msg, err := model.ParseRankingMessage(values)
	if err != nil {
		log.Printf("[consumer] ranking entry dropped: %v", err)
		return nil
	}
	h.Snapshots.HandleRanking(ctx, msg)
	return nil
}

// HandleAggregateEntry feeds one aggregate into the sampler.
func (h *Hub) HandleAggregateEntry(ctx context.Context, values map[string]interface{}) error {
	agg, err := model.ParseAggregate(values)
	if err != nil {
		log.Printf("[consumer] aggregate entry dropped: %v", err)
		return nil
	}
	h.Sampler.Offer(agg)
	return nil
}

// HandleQuoteEntry broadcasts one quote to its subscribers.
func (h *Hub) HandleQuoteEntry(ctx context.Context, values map[string]interface{}) error {
	q, err := model.ParseQuote(values)
	if err != nil {
		log.Printf("[consumer] quote entry dropped: %v", err)
		return nil
	}
	subs := h.Index.QuoteSubscribers(q.Symbol)
	if len(subs) == 0 {
		return nil
	}
	buf := envelope("quote", map[string]interface{}{
		"symbol": q.Symbol,
		"data":   q.Raw,
	})
	for _, c := range subs {
		c.enqueue(buf)
	}
	return nil
}

// HandleFilingEntry broadcasts one SEC filing to connections holding
// the filings flag.
func (h *Hub) HandleFilingEntry(ctx context.Context, values map[string]interface{}) error {
	f, err := model.ParseFiling(values)
	if err != nil {
		log.Printf("[consumer] filing entry dropped: %v", err)
		return nil
	}
	fields := map[string]interface{}{"data": f.Raw}
	if f.Symbol != "" {
		fields["symbol"] = f.Symbol
	}
	h.broadcastWhere(envelope("sec_filing", fields), (*Conn).wantsFilings)
	return nil
}

// HandleNewsEntry broadcasts one news item, relaying catalyst alerts
// carried on the same stream as their own message type.
func (h *Hub) HandleNewsEntry(ctx context.Context, values map[string]interface{}) error {
	n, err := model.ParseNews(values)
	if err != nil {
		log.Printf("[consumer] news entry dropped: %v", err)
		return nil
	}
	typ := "benzinga_news"
	if n.Type == "catalyst_alert" {
		typ = "catalyst_alert"
	}
	fields := map[string]interface{}{"data": n.Raw}
	if n.Symbol != "" {
		fields["symbol"] = n.Symbol
	}
	h.broadcastWhere(envelope(typ, fields), (*Conn).wantsNews)
	return nil
}

// dispatchChart sends one unthrottled bar to chart subscribers.
func (h *Hub) dispatchChart(agg *model.Aggregate) {
	subs := h.Index.ChartSubscribers(agg.Symbol)
	if len(subs) == 0 {
		return
	}
	buf := envelope("chart_aggregate", map[string]interface{}{
		"symbol": agg.Symbol,
		"data":   json.RawMessage(agg.Raw),
	})
	for _, c := range subs {
		c.enqueue(buf)
	}
}
