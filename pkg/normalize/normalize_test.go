package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nicktill/tinyair/pkg/tuya"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, body string) *tuya.Payload {
	t.Helper()
	var p tuya.Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	return &p
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		raw    string
		want   Value
		wantOK bool
	}{
		{`true`, Bool(true), true},
		{`false`, Bool(false), true},
		{`235`, Number(235), true},
		{`-1.5`, Number(-1.5), true},
		{`1e3`, Number(1000), true},
		{`"true"`, Bool(true), true},
		{`" FALSE "`, Bool(false), true},
		{`"TrUe"`, Bool(true), true},
		{`"23.5"`, Number(23.5), true},
		{`"  42 "`, Number(42), true},
		{`"great"`, String("great"), true},
		{`" great "`, String("great"), true},
		{`""`, String(""), true},
		{`"NaN"`, String("NaN"), true},
		{`"Inf"`, String("Inf"), true},
		{`null`, Value{}, false},
		{`{"a":1}`, Value{}, false},
		{`[1,2]`, Value{}, false},
		{``, Value{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := Coerce(json.RawMessage(tt.raw))
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_ExtractsKnownCodes(t *testing.T) {
	p := payload(t, `{"t":1700000000000,"result":[
		{"code":"temp_current","value":235},
		{"code":"humidity_value","value":"41"},
		{"code":"air_quality_index","value":"great"},
		{"code":"charge_state","value":"TRUE"},
		{"code":"pm10","value":null},
		{"code":"mystery","value":7}
	]}`)

	r := Normalize(p, time.Now())

	require.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), r.RecordedAt)
	require.Equal(t, map[MetricCode]Value{
		TempCurrent:     Number(235),
		HumidityValue:   Number(41),
		AirQualityIndex: String("great"),
		ChargeState:     Bool(true),
	}, r.Values)
}

func TestNormalize_RecordedAtFallback(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("X", 7200))

	tests := []struct {
		name string
		body string
	}{
		{"absent", `{"result":[]}`},
		{"string", `{"t":"1700000000000","result":[]}`},
		{"null", `{"t":null,"result":[]}`},
		{"object", `{"t":{},"result":[]}`},
		{"out of range", `{"t":1e300,"result":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Normalize(payload(t, tt.body), now)
			require.Equal(t, now.UTC(), r.RecordedAt)
			require.Equal(t, time.UTC, r.RecordedAt.Location())
		})
	}

	r := Normalize(nil, now)
	require.Equal(t, now.UTC(), r.RecordedAt)
	require.Empty(t, r.Values)
}

func TestNormalize_FractionalMillis(t *testing.T) {
	r := Normalize(payload(t, `{"t":1700000000000.5}`), time.Now())
	require.Equal(t, time.UnixMilli(1700000000000).Add(500*time.Microsecond).UTC(), r.RecordedAt)
}

func TestReadingRow(t *testing.T) {
	at := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	r := Reading{
		RecordedAt: at,
		Values: map[MetricCode]Value{
			TempCurrent:       Number(23.5),
			HumidityValue:     String("damp"),
			AirQualityIndex:   Number(3),
			ChargeState:       Bool(false),
			BatteryPercentage: Bool(true),
			PM25Value:         Number(0),
		},
	}
	raw := json.RawMessage(`{"t":1}`)

	row := r.Row("dev1", raw)
	require.Equal(t, "dev1", row.DeviceID)
	require.Equal(t, at, row.RecordedAt)
	require.Equal(t, raw, row.Raw)

	require.NotNil(t, row.TempCurrent)
	require.Equal(t, 23.5, *row.TempCurrent)
	require.NotNil(t, row.PM25Value)
	require.Equal(t, 0.0, *row.PM25Value)
	require.NotNil(t, row.AirQualityIndex)
	require.Equal(t, "3", *row.AirQualityIndex)
	require.NotNil(t, row.ChargeState)
	require.False(t, *row.ChargeState)

	// wrong kinds for strict columns stay NULL
	require.Nil(t, row.HumidityValue)
	require.Nil(t, row.BatteryPercentage)
	// not reported
	require.Nil(t, row.CO2Value)
	require.Nil(t, row.PM1)

	require.Equal(t, []MetricCode{HumidityValue, BatteryPercentage}, r.Rejected())
}

func TestValueText(t *testing.T) {
	require.Equal(t, "23.5", Number(23.5).Text())
	require.Equal(t, "1000000", Number(1e6).Text())
	require.Equal(t, "true", Bool(true).Text())
	require.Equal(t, "good", String("good").Text())
}

func TestLookupAndColumns(t *testing.T) {
	for _, c := range Codes {
		got, ok := Lookup(string(c))
		require.True(t, ok)
		require.Equal(t, c, got)
	}
	_, ok := Lookup("alarm_volume")
	require.False(t, ok)

	require.Equal(t, ColumnText, AirQualityIndex.Column())
	require.Equal(t, ColumnBool, ChargeState.Column())
	require.Equal(t, ColumnNumber, PM25Value.Column())
}
