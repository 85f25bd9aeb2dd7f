package mapping

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/core"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func f64(v float64) *float64 { return &v }

func newTestEngine(t *testing.T, timeout time.Duration) *Engine {
	t.Helper()
	e, err := NewEngine(config.MappingConfig{ScriptTimeout: timeout, ProgramCacheSize: 16}, nil, logrus.New())
	require.NoError(t, err)
	return e
}

func spec(parser core.ParserType, def core.MappingDefinition) *core.MappingSpec {
	return &core.MappingSpec{
		Code:       "test-profile",
		ParserType: parser,
		Mapping:    datatypes.NewJSONType(def),
		Enabled:    true,
	}
}

var receivedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMap_JSONWithCalibration(t *testing.T) {
	e := newTestEngine(t, time.Second)
	s := spec(core.ParserJSON, core.MappingDefinition{
		Channels: []core.ChannelMapping{
			{MetricCode: "temperature", SourcePath: "data.t", Multiplier: f64(0.1), Unit: "C"},
			{MetricCode: "humidity", SourcePath: "data.h"},
		},
	})
	channels := []*core.SensorChannel{
		{ID: 10, MetricCode: "temperature"},
		{ID: 11, MetricCode: "humidity", Multiplier: f64(2), Offset: f64(1), Unit: "%"},
	}

	res, err := e.Map(context.Background(), Input{
		Payload:    []byte(`{"data":{"t":253,"h":"20.5"}}`),
		ReceivedAt: receivedAt,
		Spec:       s,
		Channels:   channels,
	})
	require.NoError(t, err)
	require.Len(t, res.Readings, 2)

	temp := res.Readings[0]
	assert.Equal(t, uint(10), temp.SensorChannelID)
	assert.Equal(t, 253.0, temp.ValueRaw)
	assert.InDelta(t, 25.3, temp.ValueEngineered, 1e-9)
	assert.Equal(t, "C", temp.Unit)
	assert.Equal(t, receivedAt, temp.Ts)
	assert.Equal(t, core.QualityGood, temp.QualityFlag)

	hum := res.Readings[1]
	assert.Equal(t, 20.5, hum.ValueRaw)
	assert.InDelta(t, 42.0, hum.ValueEngineered, 1e-9)
	assert.Equal(t, "%", hum.Unit)
}

func TestMap_SkipsAndRequired(t *testing.T) {
	e := newTestEngine(t, time.Second)
	def := core.MappingDefinition{
		Channels: []core.ChannelMapping{
			{MetricCode: "a", SourcePath: "a"},
			{MetricCode: "b", SourcePath: "b"},
			{MetricCode: "c", SourcePath: "c"},
			{MetricCode: "d", SourcePath: "d"},
		},
	}
	channels := []*core.SensorChannel{{ID: 1, MetricCode: "a"}, {ID: 2, MetricCode: "b"}, {ID: 3, MetricCode: "c"}}

	res, err := e.Map(context.Background(), Input{
		Payload:    []byte(`{"a":"0x1F","b":"warm","d":true}`),
		ReceivedAt: receivedAt,
		Spec:       spec(core.ParserJSON, def),
		Channels:   channels,
	})
	require.NoError(t, err)
	require.Len(t, res.Readings, 1)
	assert.Equal(t, 31.0, res.Readings[0].ValueRaw)
	assert.Equal(t, []Skip{
		{MetricCode: "b", Reason: SkipNotNumeric},
		{MetricCode: "c", Reason: SkipMissing},
		{MetricCode: "d", Reason: SkipNoChannel},
	}, res.Skipped)

	def.Channels[2].Required = true
	_, err = e.Map(context.Background(), Input{
		Payload:  []byte(`{"a":1}`),
		Spec:     spec(core.ParserJSON, def),
		Channels: channels,
	})
	var merr *core.MappingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "required value missing", merr.Reason)
}

func TestMap_OutOfRangeIsKept(t *testing.T) {
	e := newTestEngine(t, time.Second)
	s := spec(core.ParserJSON, core.MappingDefinition{
		Channels: []core.ChannelMapping{{MetricCode: "t", SourcePath: "t"}},
	})
	channels := []*core.SensorChannel{{ID: 1, MetricCode: "t", MinThreshold: f64(-20), MaxThreshold: f64(60)}}

	res, err := e.Map(context.Background(), Input{Payload: []byte(`{"t":85}`), Spec: s, Channels: channels, ReceivedAt: receivedAt})
	require.NoError(t, err)
	require.Len(t, res.Readings, 1)
	assert.Equal(t, core.QualityOutOfRange, res.Readings[0].QualityFlag)
	assert.Equal(t, 85.0, res.Readings[0].ValueEngineered)
}

func TestMap_Timestamps(t *testing.T) {
	e := newTestEngine(t, time.Second)
	s := spec(core.ParserJSON, core.MappingDefinition{
		TimestampPath: "ts",
		Channels: []core.ChannelMapping{
			{MetricCode: "a", SourcePath: "a"},
			{MetricCode: "b", SourcePath: "b", TimestampPath: "b_ts"},
			{MetricCode: "c", SourcePath: "c", TimestampPath: "c_ts"},
		},
	})
	channels := []*core.SensorChannel{{ID: 1, MetricCode: "a"}, {ID: 2, MetricCode: "b"}, {ID: 3, MetricCode: "c"}}

	res, err := e.Map(context.Background(), Input{
		Payload:    []byte(`{"ts":1700000000,"a":1,"b":2,"b_ts":"2024-01-02T03:04:05Z","c":3,"c_ts":1700000000500}`),
		ReceivedAt: receivedAt,
		Spec:       s,
		Channels:   channels,
	})
	require.NoError(t, err)
	require.Len(t, res.Readings, 3)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), res.Readings[0].Ts)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), res.Readings[1].Ts)
	assert.Equal(t, time.UnixMilli(1700000000500).UTC(), res.Readings[2].Ts)

	res, err = e.Map(context.Background(), Input{
		Payload:    []byte(`{"a":1,"b":2,"b_ts":"yesterday","c":3}`),
		ReceivedAt: receivedAt,
		Spec:       s,
		Channels:   channels,
	})
	require.NoError(t, err)
	require.Len(t, res.Readings, 2)
	assert.Equal(t, receivedAt, res.Readings[0].Ts)
	assert.Equal(t, []Skip{{MetricCode: "b", Reason: SkipTimestamp}}, res.Skipped)
}

func TestMap_TimestampBounds(t *testing.T) {
	e := newTestEngine(t, time.Second)
	channels := []*core.SensorChannel{{ID: 1, MetricCode: "a"}}

	tests := []struct {
		name    string
		format  string
		payload string
	}{
		{"huge float", "", `{"a":1,"ts":1e300}`},
		{"huge integer", "", `{"a":1,"ts":99999999999999999999}`},
		{"negative epoch", "", `{"a":1,"ts":-5}`},
		{"unix garbage", "unix", `{"a":1,"ts":"garbage"}`},
		{"unix_ms garbage", "unix_ms", `{"a":1,"ts":"soon"}`},
		{"year zero", "", `{"a":1,"ts":"0000-01-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name+" on channel", func(t *testing.T) {
			s := spec(core.ParserJSON, core.MappingDefinition{
				TimestampFormat: tt.format,
				Channels:        []core.ChannelMapping{{MetricCode: "a", SourcePath: "a", TimestampPath: "ts"}},
			})
			res, err := e.Map(context.Background(), Input{Payload: []byte(tt.payload), ReceivedAt: receivedAt, Spec: s, Channels: channels})
			require.NoError(t, err)
			assert.Empty(t, res.Readings)
			assert.Equal(t, []Skip{{MetricCode: "a", Reason: SkipTimestamp}}, res.Skipped)
		})
		t.Run(tt.name+" on definition", func(t *testing.T) {
			s := spec(core.ParserJSON, core.MappingDefinition{
				TimestampPath:   "ts",
				TimestampFormat: tt.format,
				Channels:        []core.ChannelMapping{{MetricCode: "a", SourcePath: "a"}},
			})
			res, err := e.Map(context.Background(), Input{Payload: []byte(tt.payload), ReceivedAt: receivedAt, Spec: s, Channels: channels})
			require.NoError(t, err)
			require.Len(t, res.Readings, 1)
			assert.Equal(t, receivedAt, res.Readings[0].Ts)
		})
	}

	s := spec(core.ParserJSON, core.MappingDefinition{
		TimestampPath:   "ts",
		TimestampFormat: "unix_ms",
		Channels:        []core.ChannelMapping{{MetricCode: "a", SourcePath: "a"}},
	})
	res, err := e.Map(context.Background(), Input{Payload: []byte(`{"a":1,"ts":"1700000000123"}`), ReceivedAt: receivedAt, Spec: s, Channels: channels})
	require.NoError(t, err)
	require.Len(t, res.Readings, 1)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), res.Readings[0].Ts)
}

func TestMap_Deterministic(t *testing.T) {
	e := newTestEngine(t, time.Second)
	s := spec(core.ParserJSON, core.MappingDefinition{
		Channels: []core.ChannelMapping{
			{MetricCode: "z", SourcePath: "z"},
			{MetricCode: "a", SourcePath: "a"},
			{MetricCode: "m", SourcePath: "m"},
		},
	})
	s.TransformScript = `return { z: payload.v * 2, a: payload.v + Math.floor(Date.now() / 1000) % 10, m: 1 };`
	channels := []*core.SensorChannel{{ID: 3, MetricCode: "m"}, {ID: 1, MetricCode: "a"}, {ID: 2, MetricCode: "z"}}
	in := Input{Payload: []byte(`{"v":4}`), ReceivedAt: receivedAt, Spec: s, Channels: channels}

	first, err := e.Map(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Map(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "z", first.Readings[0].MetricCode)
	assert.Equal(t, "a", first.Readings[1].MetricCode)
	assert.Equal(t, "m", first.Readings[2].MetricCode)
}

func TestMap_TransformFunction(t *testing.T) {
	e := newTestEngine(t, time.Second)
	s := spec(core.ParserCustom, core.MappingDefinition{
		Channels: []core.ChannelMapping{{MetricCode: "temp", SourcePath: "temp"}},
	})
	s.TransformScript = `
function transform(payload, meta) {
	return { temp: payload.raw_temp / 10, topic: meta.topic };
}`
	res, err := e.Map(context.Background(), Input{
		Payload:    []byte(`{"raw_temp":215}`),
		Topic:      "devices/n1/telemetry",
		ReceivedAt: receivedAt,
		Spec:       s,
		Channels:   []*core.SensorChannel{{ID: 1, MetricCode: "temp"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Readings, 1)
	assert.InDelta(t, 21.5, res.Readings[0].ValueRaw, 1e-9)
}

func TestMap_ScriptFailures(t *testing.T) {
	e := newTestEngine(t, 50*time.Millisecond)
	cases := map[string]struct {
		script string
		reason string
	}{
		"throws":     {`throw new Error("bad frame");`, "script failed"},
		"non-object": {`return 42;`, "script failed"},
		"array":      {`return [1, 2];`, "script failed"},
		"no return":  {`var x = payload;`, "script failed"},
		"random":     {`return { v: Math.random() };`, "script failed"},
		"syntax":     {`return {`, "script failed"},
		"timeout":    {`while (true) {}`, "script timeout"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := spec(core.ParserJSON, core.MappingDefinition{Channels: []core.ChannelMapping{{MetricCode: "v", SourcePath: "v"}}})
			s.TransformScript = tc.script

			_, err := e.Map(context.Background(), Input{Payload: []byte(`{"v":1}`), Spec: s, ReceivedAt: receivedAt})
			var merr *core.MappingError
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, tc.reason, merr.Reason)
			assert.Equal(t, "test-profile", merr.Spec)
		})
	}
}

func TestMap_ScriptCancelledContext(t *testing.T) {
	e := newTestEngine(t, 5*time.Second)
	s := spec(core.ParserJSON, core.MappingDefinition{})
	s.TransformScript = `while (true) {}`

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := e.Map(ctx, Input{Payload: []byte(`{}`), Spec: s, ReceivedAt: receivedAt})
	assert.ErrorIs(t, err, context.Canceled)
	var merr *core.MappingError
	assert.False(t, errors.As(err, &merr))
}

func TestMap_CustomRequiresScript(t *testing.T) {
	e := newTestEngine(t, time.Second)
	_, err := e.Map(context.Background(), Input{Payload: []byte(`{}`), Spec: spec(core.ParserCustom, core.MappingDefinition{})})
	var merr *core.MappingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "invalid profile", merr.Reason)
}

func TestMap_OutputSchema(t *testing.T) {
	e := newTestEngine(t, time.Second)
	s := spec(core.ParserJSON, core.MappingDefinition{Channels: []core.ChannelMapping{{MetricCode: "t", SourcePath: "t"}}})
	s.TransformScript = `return { t: payload.t };`
	s.OutputSchema = datatypes.JSON(`{"type":"object","required":["t"],"properties":{"t":{"type":"number"}}}`)
	channels := []*core.SensorChannel{{ID: 1, MetricCode: "t"}}

	_, err := e.Map(context.Background(), Input{Payload: []byte(`{"t":"hot"}`), Spec: s, Channels: channels})
	var merr *core.MappingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "output schema violation", merr.Reason)

	res, err := e.Map(context.Background(), Input{Payload: []byte(`{"t":21}`), Spec: s, Channels: channels})
	require.NoError(t, err)
	assert.Len(t, res.Readings, 1)
}

func TestMap_NonJSONPayloadForJSONParser(t *testing.T) {
	e := newTestEngine(t, time.Second)
	_, err := e.Map(context.Background(), Input{Payload: []byte{0x01, 0x02}, Spec: spec(core.ParserJSON, core.MappingDefinition{})})
	var merr *core.MappingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "decode failed", merr.Reason)
}

func TestMap_CBOR(t *testing.T) {
	e := newTestEngine(t, time.Second)
	payload, err := cbor.Marshal(map[string]any{"temp": 215, "meta": map[string]any{"batt": 3.3}})
	require.NoError(t, err)

	s := spec(core.ParserBinary, core.MappingDefinition{
		Binary: &core.BinaryLayout{Format: "cbor"},
		Channels: []core.ChannelMapping{
			{MetricCode: "temp", SourcePath: "temp", Multiplier: f64(0.1)},
			{MetricCode: "battery", SourcePath: "meta.batt"},
		},
	})
	channels := []*core.SensorChannel{{ID: 1, MetricCode: "temp"}, {ID: 2, MetricCode: "battery"}}

	res, err := e.Map(context.Background(), Input{Payload: payload, Spec: s, Channels: channels, ReceivedAt: receivedAt})
	require.NoError(t, err)
	require.Len(t, res.Readings, 2)
	assert.InDelta(t, 21.5, res.Readings[0].ValueEngineered, 1e-9)
	assert.InDelta(t, 3.3, res.Readings[1].ValueRaw, 1e-9)
}

func TestMap_FrameInEnvelope(t *testing.T) {
	e := newTestEngine(t, time.Second)

	frame := make([]byte, 9)
	binary.LittleEndian.PutUint16(frame[0:], uint16(0xFF38)) // -200 as int16
	frame[2] = 87
	binary.LittleEndian.PutUint32(frame[3:], math.Float32bits(3.5))
	envelope := []byte(`{"devEui":"abc","data":"` + base64.StdEncoding.EncodeToString(frame) + `"}`)

	s := spec(core.ParserBinary, core.MappingDefinition{
		Binary: &core.BinaryLayout{Format: "frame", ByteOrder: "little", PayloadPath: "data"},
		Channels: []core.ChannelMapping{
			{MetricCode: "temp", ByteOffset: 0, DataType: "int16", Multiplier: f64(0.1)},
			{MetricCode: "humidity", ByteOffset: 2, DataType: "uint8"},
			{MetricCode: "voltage", ByteOffset: 3, DataType: "float32"},
			{MetricCode: "pressure", ByteOffset: 7, DataType: "uint32"},
		},
	})
	channels := []*core.SensorChannel{
		{ID: 1, MetricCode: "temp"}, {ID: 2, MetricCode: "humidity"},
		{ID: 3, MetricCode: "voltage"}, {ID: 4, MetricCode: "pressure"},
	}

	res, err := e.Map(context.Background(), Input{Payload: envelope, Spec: s, Channels: channels, ReceivedAt: receivedAt})
	require.NoError(t, err)
	require.Len(t, res.Readings, 3)
	assert.InDelta(t, -20.0, res.Readings[0].ValueEngineered, 1e-9)
	assert.Equal(t, 87.0, res.Readings[1].ValueRaw)
	assert.Equal(t, 3.5, res.Readings[2].ValueRaw)
	assert.Equal(t, []Skip{{MetricCode: "pressure", Reason: SkipMissing}}, res.Skipped)
}

func TestMap_FrameBigEndianRaw(t *testing.T) {
	e := newTestEngine(t, time.Second)
	s := spec(core.ParserBinary, core.MappingDefinition{
		Binary:   &core.BinaryLayout{Format: "frame"},
		Channels: []core.ChannelMapping{{MetricCode: "count", ByteOffset: 1, DataType: "uint16"}},
	})
	res, err := e.Map(context.Background(), Input{
		Payload:  []byte{0x00, 0x01, 0x02},
		Spec:     s,
		Channels: []*core.SensorChannel{{ID: 9, MetricCode: "count"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Readings, 1)
	assert.Equal(t, 258.0, res.Readings[0].ValueRaw)
}

func TestNumeric(t *testing.T) {
	e := newTestEngine(t, time.Second)
	s := spec(core.ParserJSON, core.MappingDefinition{Channels: []core.ChannelMapping{{MetricCode: "v", SourcePath: "v"}}})
	channels := []*core.SensorChannel{{ID: 1, MetricCode: "v"}}

	cases := map[string]float64{
		`{"v":false}`:   0,
		`{"v":" 12.5"}`: 12.5,
		`{"v":"0XfF"}`:  255,
		`{"v":-3}`:      -3,
	}
	for payload, want := range cases {
		res, err := e.Map(context.Background(), Input{Payload: []byte(payload), Spec: s, Channels: channels})
		require.NoError(t, err, payload)
		require.Len(t, res.Readings, 1, payload)
		assert.Equal(t, want, res.Readings[0].ValueRaw, payload)
	}
}
