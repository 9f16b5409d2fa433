package tuya

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DataPoint is one entry of a device status result list.
type DataPoint struct {
	Code  string          `json:"code"`
	Value json.RawMessage `json:"value"`
}

// Payload is a device status document as returned by Tuya.
//
// Result is decoded; every other top-level key (success, t, tid, ...) is kept
// verbatim so the stored raw document matches what Tuya sent, minus filtered
// data points. Treat a Payload as read-only once it has been shared.
type Payload struct {
	Result []DataPoint

	fields    map[string]json.RawMessage
	hasResult bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("payload is not a JSON object")
	}

	p.Result = nil
	p.hasResult = false
	if raw, ok := fields["result"]; ok {
		delete(fields, "result")
		p.hasResult = true
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &p.Result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
	}
	p.fields = fields
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.fields)+1)
	for k, v := range p.fields {
		out[k] = v
	}
	if p.hasResult || p.Result != nil {
		result := p.Result
		if result == nil {
			result = []DataPoint{}
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		out["result"] = raw
	}
	return json.Marshal(out)
}

// Field returns a raw top-level field, or nil when absent.
func (p *Payload) Field(name string) json.RawMessage {
	if p == nil || p.fields == nil {
		return nil
	}
	return p.fields[name]
}

// SetField replaces a raw top-level field. "result" is managed through Result.
func (p *Payload) SetField(name string, value json.RawMessage) {
	if name == "result" {
		return
	}
	if p.fields == nil {
		p.fields = make(map[string]json.RawMessage)
	}
	p.fields[name] = value
}

// Timestamp returns the raw "t" field (epoch milliseconds on Tuya responses).
func (p *Payload) Timestamp() json.RawMessage {
	return p.Field("t")
}

// Filter drops every data point whose code is in deny and reports how many were removed.
func (p *Payload) Filter(deny map[string]struct{}) int {
	if len(deny) == 0 || len(p.Result) == 0 {
		return 0
	}
	kept := p.Result[:0]
	removed := 0
	for _, dp := range p.Result {
		if _, drop := deny[dp.Code]; drop {
			removed++
			continue
		}
		kept = append(kept, dp)
	}
	p.Result = kept
	return removed
}

// envelope is the common part of every Tuya OpenAPI response.
type envelope struct {
	Success *bool  `json:"success"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

// ok treats a missing success flag as success; only an explicit false fails.
func (e envelope) ok() bool {
	return e.Success == nil || *e.Success
}
