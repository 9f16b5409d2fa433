package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/nicktill/tinyair/pkg/tuya"
)

var labels = map[MetricCode]string{
	AirQualityIndex:   "Air Quality",
	TempCurrent:       "Temperature",
	HumidityValue:     "Humidity",
	CO2Value:          "CO₂",
	CH2OValue:         "Formaldehyde",
	PM25Value:         "PM2.5",
	PM1:               "PM1.0",
	PM10:              "PM10",
	BatteryPercentage: "Battery",
	ChargeState:       "Charge State",
}

// Label returns a human-readable name for an upstream code. Unknown codes
// get their underscores replaced by spaces and each word capitalised.
func Label(code string) string {
	if l, ok := labels[MetricCode(code)]; ok {
		return l
	}
	words := strings.FieldsFunc(code, func(r rune) bool { return r == '_' || unicode.IsSpace(r) })
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// FormattedSensor is one data point prepared for display.
type FormattedSensor struct {
	Code  string          `json:"code"`
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
	Type  string          `json:"type"`
}

// Format lists every data point of p with its label and JSON type. Values are
// passed through unchanged, including codes without a metrics column.
func Format(p *tuya.Payload) []FormattedSensor {
	if p == nil {
		return []FormattedSensor{}
	}
	out := make([]FormattedSensor, 0, len(p.Result))
	for _, dp := range p.Result {
		value := dp.Value
		if len(bytes.TrimSpace(value)) == 0 {
			value = json.RawMessage("null")
		}
		out = append(out, FormattedSensor{
			Code:  dp.Code,
			Name:  Label(dp.Code),
			Value: value,
			Type:  jsonType(value),
		})
	}
	return out
}

// jsonType names the JSON type of raw: integer and number are told apart.
func jsonType(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "null"
	}
	switch raw[0] {
	case 'n':
		return "null"
	case 't', 'f':
		return "boolean"
	case '"':
		return "string"
	case '[':
		return "array"
	case '{':
		return "object"
	}
	if bytes.ContainsAny(raw, ".eE") {
		return "number"
	}
	return "integer"
}
