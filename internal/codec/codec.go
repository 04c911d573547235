package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message is one vendor protocol frame. The devices send loosely schemaed
// JSON objects; every field is optional at decode time and unknown fields
// must survive a round trip, so the envelope stays a plain map.
type Message map[string]any

// DecodeError reports a frame that could not be parsed. It keeps the raw
// bytes so the offending frame can be logged for diagnostics.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v (raw: %q)", e.Err, truncate(e.Raw, 256))
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Decode parses a frame into a Message. Any syntactically valid JSON object
// is accepted; semantic fields are checked by the handlers that need them.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &DecodeError{Raw: append([]byte(nil), raw...), Err: err}
	}
	if m == nil {
		return nil, &DecodeError{Raw: append([]byte(nil), raw...), Err: fmt.Errorf("frame is not a JSON object")}
	}
	return m, nil
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m Message) Clone() Message {
	out := make(Message, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Message) Action() string   { return stringField(m, "action") }
func (m Message) DeviceID() string { return stringField(m, "deviceid") }
func (m Message) APIKey() string   { return stringField(m, "apikey") }

// Params returns the nested params object, or nil when absent.
func (m Message) Params() map[string]any {
	p, _ := m["params"].(map[string]any)
	return p
}

// SwitchState returns params.switch when present.
func (m Message) SwitchState() (string, bool) {
	s := stringField(m.Params(), "switch")
	return s, s != ""
}

// Power returns params.power when present. The devices report it either as a
// number or as a numeric string depending on firmware.
func (m Message) Power() (float64, bool) {
	p := m.Params()
	if p == nil {
		return 0, false
	}
	switch v := p["power"].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Ack builds a synthetic acknowledgment for a frame the gateway answers
// locally. The devices validate correlation fields, so every field of the
// input is echoed back; only resultCode/resultMessage are added or
// overwritten, plus the cached identity when known.
func Ack(m Message, deviceID, apiKey string) Message {
	r := m.Clone()
	if deviceID != "" {
		r["deviceid"] = deviceID
	}
	if apiKey != "" {
		r["apikey"] = apiKey
	}
	r["resultCode"] = 0
	r["resultMessage"] = "ok"
	return r
}

// RegisterAck is the local reply to a register action. Besides the plain
// acknowledgment the device expects a minimal config payload before it
// proceeds with its heartbeat loop.
func RegisterAck(m Message, deviceID, apiKey string) Message {
	r := Ack(m, deviceID, apiKey)
	r["config"] = map[string]any{"hb": 1, "hbInterval": 145}
	return r
}

// DateAck is the local reply to a date action.
func DateAck(m Message, deviceID, apiKey string, now time.Time) Message {
	r := Ack(m, deviceID, apiKey)
	r["date"] = now.UTC().Format(time.RFC3339)
	return r
}

// SwitchCommand builds the update envelope that flips the relay. Field
// layout follows what the vendor app sends.
func SwitchCommand(deviceID, apiKey, state string) Message {
	return Message{
		"action":    "update",
		"deviceid":  deviceID,
		"apikey":    apiKey,
		"userAgent": "app",
		"sequence":  strconv.FormatInt(time.Now().UnixMilli(), 10),
		"ts":        0,
		"from":      "app",
		"params":    map[string]any{"switch": state},
	}
}
