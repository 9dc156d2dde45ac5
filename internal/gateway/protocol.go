package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// clientMessage is the tagged inbound variant. Unknown fields are
// tolerated; only the fields relevant to the action are read.
type clientMessage struct {
	Action    string          `json:"action"`
	List      string          `json:"list"`
	Symbol    string          `json:"symbol"`
	Symbols   []string        `json:"symbols"`
	Token     string          `json:"token"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// envelope builds an outbound message with the given type. Every
// outbound message carries an ISO-8601 timestamp.
func envelope(typ string, fields map[string]interface{}) []byte {
	if fields == nil {
		fields = make(map[string]interface{}, 2)
	}
	fields["type"] = typ
	fields["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	buf, _ := json.Marshal(fields)
	return buf
}

// listEnvelope hand-crafts the snapshot/delta envelope JSON. These are
// the hottest outbound messages and the payload is already serialized,
// so append beats json.Marshal here.
func listEnvelope(typ, list string, seq int64, payloadKey string, payload []byte) []byte {
	buf := make([]byte, 0, len(list)+len(payload)+96)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, typ...)
	buf = append(buf, `","list":"`...)
	buf = append(buf, list...)
	buf = append(buf, `","sequence":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"`...)
	buf = append(buf, payloadKey...)
	buf = append(buf, `":`...)
	buf = append(buf, payload...)
	buf = append(buf, `,"timestamp":"`...)
	buf = time.Now().UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `"}`...)
	return buf
}

// errorEnvelope names the failing action and a human-readable reason.
func errorEnvelope(action, message string) []byte {
	return envelope("error", map[string]interface{}{
		"action":  action,
		"message": message,
	})
}
