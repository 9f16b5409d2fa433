// Package normalize turns a loosely typed Tuya status payload into typed
// per-code values and projects them onto the columnar metrics row.
package normalize

// MetricCode is a data point code with its own column in the metrics table.
type MetricCode string

const (
	AirQualityIndex   MetricCode = "air_quality_index"
	TempCurrent       MetricCode = "temp_current"
	HumidityValue     MetricCode = "humidity_value"
	CO2Value          MetricCode = "co2_value"
	CH2OValue         MetricCode = "ch2o_value"
	PM25Value         MetricCode = "pm25_value"
	PM1               MetricCode = "pm1"
	PM10              MetricCode = "pm10"
	BatteryPercentage MetricCode = "battery_percentage"
	ChargeState       MetricCode = "charge_state"
)

// Codes lists every MetricCode in column order.
var Codes = []MetricCode{
	AirQualityIndex,
	TempCurrent,
	HumidityValue,
	CO2Value,
	CH2OValue,
	PM25Value,
	PM1,
	PM10,
	BatteryPercentage,
	ChargeState,
}

var known = func() map[string]MetricCode {
	m := make(map[string]MetricCode, len(Codes))
	for _, c := range Codes {
		m[string(c)] = c
	}
	return m
}()

// Lookup maps an upstream code to its MetricCode.
func Lookup(code string) (MetricCode, bool) {
	c, ok := known[code]
	return c, ok
}

// ColumnKind is the storage type of a metrics column.
type ColumnKind int

const (
	// ColumnNumber holds only numeric values.
	ColumnNumber ColumnKind = iota
	// ColumnText holds any value in its text form.
	ColumnText
	// ColumnBool holds only boolean values.
	ColumnBool
)

// Column returns the kind of column c is stored in.
func (c MetricCode) Column() ColumnKind {
	switch c {
	case AirQualityIndex:
		return ColumnText
	case ChargeState:
		return ColumnBool
	default:
		return ColumnNumber
	}
}
