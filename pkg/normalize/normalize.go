package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/nicktill/tinyair/pkg/storage"
	"github.com/nicktill/tinyair/pkg/tuya"
)

// Reading is a normalized payload: the instant it was recorded and one
// value per known code the device reported.
type Reading struct {
	RecordedAt time.Time
	Values     map[MetricCode]Value
}

// Normalize extracts the known codes of p and its recorded time. A payload
// without a usable "t" field is recorded at now. When a code repeats, the
// last usable value wins.
func Normalize(p *tuya.Payload, now time.Time) Reading {
	r := Reading{
		RecordedAt: now.UTC(),
		Values:     make(map[MetricCode]Value),
	}
	if p == nil {
		return r
	}

	if at, ok := recordedAt(p.Timestamp()); ok {
		r.RecordedAt = at
	}

	for _, dp := range p.Result {
		code, ok := Lookup(dp.Code)
		if !ok {
			continue
		}
		v, ok := Coerce(dp.Value)
		if !ok {
			continue
		}
		r.Values[code] = v
	}
	return r
}

// maxEpochMillis keeps parsed timestamps inside the range time.UnixMilli
// handles and PostgreSQL's TIMESTAMPTZ accepts.
const maxEpochMillis = 1 << 53

// recordedAt parses Tuya's epoch-millisecond "t" field. Only JSON numbers count.
func recordedAt(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return time.Time{}, false
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) || math.Abs(ms) > maxEpochMillis {
		return time.Time{}, false
	}
	whole, frac := math.Modf(ms)
	return time.UnixMilli(int64(whole)).Add(time.Duration(frac * float64(time.Millisecond))).UTC(), true
}

// Row projects r onto a metrics row. Values that do not fit their column's
// kind are left NULL.
func (r Reading) Row(deviceID string, raw json.RawMessage) storage.MetricRow {
	row := storage.MetricRow{
		DeviceID:   deviceID,
		RecordedAt: r.RecordedAt,
		Raw:        raw,
	}

	if v, ok := r.Values[AirQualityIndex]; ok {
		s := v.Text()
		row.AirQualityIndex = &s
	}
	if v, ok := r.Values[ChargeState]; ok && v.Kind == KindBool {
		b := v.Bool
		row.ChargeState = &b
	}

	numeric := map[MetricCode]**float64{
		TempCurrent:       &row.TempCurrent,
		HumidityValue:     &row.HumidityValue,
		CO2Value:          &row.CO2Value,
		CH2OValue:         &row.CH2OValue,
		PM25Value:         &row.PM25Value,
		PM1:               &row.PM1,
		PM10:              &row.PM10,
		BatteryPercentage: &row.BatteryPercentage,
	}
	for code, col := range numeric {
		if v, ok := r.Values[code]; ok && v.Kind == KindNumber {
			f := v.Num
			*col = &f
		}
	}
	return row
}

// Rejected lists the codes whose value was dropped by Row because it did
// not fit the column kind.
func (r Reading) Rejected() []MetricCode {
	var out []MetricCode
	for _, code := range Codes {
		v, ok := r.Values[code]
		if !ok {
			continue
		}
		switch code.Column() {
		case ColumnNumber:
			if v.Kind != KindNumber {
				out = append(out, code)
			}
		case ColumnBool:
			if v.Kind != KindBool {
				out = append(out, code)
			}
		}
	}
	return out
}
