// Package mapping turns raw device payloads into calibrated sensor readings
// using a node profile.
package mapping

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// Skip reasons.
const (
	SkipMissing    = "missing"
	SkipNotNumeric = "not numeric"
	SkipNoChannel  = "no channel"
	SkipTimestamp  = "invalid timestamp"
)

// Input is everything needed to map one payload.
type Input struct {
	Payload    []byte
	Topic      string
	ReceivedAt time.Time
	Spec       *core.MappingSpec
	Node       *core.Node
	Channels   []*core.SensorChannel
}

// Reading is one calibrated value ready to be stored.
type Reading struct {
	SensorChannelID uint
	MetricCode      string
	Ts              time.Time
	ValueRaw        float64
	ValueEngineered float64
	Unit            string
	QualityFlag     string
	StatusCode      *int
	MinThreshold    *float64
	MaxThreshold    *float64
}

// Skip records a channel that produced no reading.
type Skip struct {
	MetricCode string
	Reason     string
}

type Result struct {
	Readings []Reading
	Skipped  []Skip
}

// Engine maps payloads with node profiles.
type Engine struct {
	scripts *ScriptRunner
	schemas *lru.Cache[[32]byte, *gojsonschema.Schema]
	metrics *infrastructure.Metrics
	logger  *logrus.Logger
}

func NewEngine(cfg config.MappingConfig, metrics *infrastructure.Metrics, logger *logrus.Logger) (*Engine, error) {
	scripts, err := NewScriptRunner(cfg.ScriptTimeout, cfg.ProgramCacheSize, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create script runner: %w", err)
	}
	size := cfg.ProgramCacheSize
	if size <= 0 {
		size = 256
	}
	schemas, err := lru.New[[32]byte, *gojsonschema.Schema](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	return &Engine{scripts: scripts, schemas: schemas, metrics: metrics, logger: logger}, nil
}

// Map decodes, transforms and extracts in.Payload. Profile-level failures are
// returned as *core.MappingError; per-channel problems become skips. A
// cancelled ctx is returned as is.
func (e *Engine) Map(ctx context.Context, in Input) (*Result, error) {
	spec := in.Spec
	if spec == nil {
		return nil, fmt.Errorf("no profile")
	}
	start := time.Now()
	defer func() { e.metrics.ObserveMapping(string(spec.ParserType), time.Since(start)) }()

	def := spec.Mapping.Data()
	fail := func(reason string, err error) (*Result, error) {
		return nil, &core.MappingError{Spec: spec.Code, Reason: reason, Err: err}
	}

	decoder, err := DecoderFor(spec.ParserType, def)
	if err != nil {
		return fail("invalid profile", err)
	}
	doc, err := decoder.Decode(in.Payload, def)
	if err != nil {
		return fail("decode failed", err)
	}

	if spec.TransformScript != "" {
		meta := ScriptMeta{Topic: in.Topic, ReceivedAt: in.ReceivedAt.UTC(), Profile: spec.Code}
		if in.Node != nil {
			meta.NodeCode = in.Node.Code
		}
		doc, err = e.scripts.Run(ctx, spec.TransformScript, doc, meta)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, ctxErr
			}
			if errors.Is(err, errScriptTimeout) {
				return fail("script timeout", err)
			}
			return fail("script failed", err)
		}
	} else if spec.ParserType == core.ParserCustom {
		return fail("invalid profile", fmt.Errorf("custom parser requires a transform script"))
	}

	if len(spec.OutputSchema) > 0 {
		if err := e.validate(spec.OutputSchema, doc); err != nil {
			return fail("output schema violation", err)
		}
	}

	return e.extract(doc, def, in)
}

func (e *Engine) validate(schemaJSON []byte, doc []byte) error {
	key := sha256.Sum256(schemaJSON)
	schema, ok := e.schemas.Get(key)
	if !ok {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
		if err != nil {
			return fmt.Errorf("invalid output schema: %w", err)
		}
		e.schemas.Add(key, schema)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

func (e *Engine) extract(doc []byte, def core.MappingDefinition, in Input) (*Result, error) {
	byMetric := make(map[string]*core.SensorChannel, len(in.Channels))
	for _, ch := range in.Channels {
		if _, dup := byMetric[ch.MetricCode]; !dup {
			byMetric[ch.MetricCode] = ch
		}
	}

	defaultTs := in.ReceivedAt.UTC()
	if def.TimestampPath != "" {
		if ts, found, err := parseTimestamp(gjson.GetBytes(doc, def.TimestampPath), def.TimestampFormat); found && err == nil {
			defaultTs = ts
		}
	}

	var defaultStatus *int
	if def.StatusPath != "" {
		defaultStatus = statusCode(gjson.GetBytes(doc, def.StatusPath))
	}

	result := &Result{}
	for _, cm := range def.Channels {
		path := cm.SourcePath
		if path == "" {
			path = cm.MetricCode
		}
		value := gjson.GetBytes(doc, path)
		if !value.Exists() || value.Type == gjson.Null {
			if cm.Required {
				return nil, &core.MappingError{Spec: in.Spec.Code, Reason: "required value missing", Err: fmt.Errorf("%s at %s", cm.MetricCode, path)}
			}
			result.Skipped = append(result.Skipped, Skip{MetricCode: cm.MetricCode, Reason: SkipMissing})
			continue
		}

		raw, ok := numeric(value)
		if !ok {
			result.Skipped = append(result.Skipped, Skip{MetricCode: cm.MetricCode, Reason: SkipNotNumeric})
			continue
		}

		channel, ok := byMetric[cm.MetricCode]
		if !ok {
			result.Skipped = append(result.Skipped, Skip{MetricCode: cm.MetricCode, Reason: SkipNoChannel})
			continue
		}

		ts := defaultTs
		if cm.TimestampPath != "" {
			parsed, found, err := parseTimestamp(gjson.GetBytes(doc, cm.TimestampPath), def.TimestampFormat)
			if found && err != nil {
				result.Skipped = append(result.Skipped, Skip{MetricCode: cm.MetricCode, Reason: SkipTimestamp})
				continue
			}
			if found {
				ts = parsed
			}
		}

		multiplier, offset := calibration(channel, cm)
		engineered := raw*multiplier + offset

		unit := channel.Unit
		if unit == "" {
			unit = cm.Unit
		}

		status := defaultStatus
		if cm.StatusPath != "" {
			status = statusCode(gjson.GetBytes(doc, cm.StatusPath))
		}

		result.Readings = append(result.Readings, Reading{
			SensorChannelID: channel.ID,
			MetricCode:      cm.MetricCode,
			Ts:              ts,
			ValueRaw:        raw,
			ValueEngineered: engineered,
			Unit:            unit,
			QualityFlag:     quality(channel, engineered),
			StatusCode:      status,
			MinThreshold:    copyFloat(channel.MinThreshold),
			MaxThreshold:    copyFloat(channel.MaxThreshold),
		})
	}
	return result, nil
}

// calibration prefers the sensor channel's values over the profile's.
func calibration(ch *core.SensorChannel, cm core.ChannelMapping) (float64, float64) {
	multiplier, offset := 1.0, 0.0
	if cm.Multiplier != nil {
		multiplier = *cm.Multiplier
	}
	if cm.Offset != nil {
		offset = *cm.Offset
	}
	if ch.Multiplier != nil {
		multiplier = *ch.Multiplier
	}
	if ch.Offset != nil {
		offset = *ch.Offset
	}
	return multiplier, offset
}

// statusCode reads an integral device status; anything else is nil.
func statusCode(v gjson.Result) *int {
	f, ok := numeric(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return nil
	}
	n := int(f)
	return &n
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func quality(ch *core.SensorChannel, v float64) string {
	if ch.MinThreshold != nil && v < *ch.MinThreshold {
		return core.QualityOutOfRange
	}
	if ch.MaxThreshold != nil && v > *ch.MaxThreshold {
		return core.QualityOutOfRange
	}
	return core.QualityGood
}

// numeric coerces numbers, decimal or 0x hex strings, and booleans.
func numeric(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return finite(v.Num)
	case gjson.True:
		return 1, true
	case gjson.False:
		return 0, true
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return 0, false
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			n, err := strconv.ParseUint(s[2:], 16, 64)
			if err != nil {
				return 0, false
			}
			return float64(n), true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	}
	return 0, false
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Accepted timestamp range: the unix epoch through the end of year 9999.
var (
	minTimestamp = time.Unix(0, 0).UTC()
	maxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

var errTimestampRange = errors.New("timestamp out of range")

// parseTimestamp reports found=false when the value is absent.
func parseTimestamp(v gjson.Result, format string) (time.Time, bool, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return time.Time{}, false, nil
	}

	var (
		t   time.Time
		err error
	)
	switch strings.ToLower(format) {
	case "unix", "unix_ms":
		f, ok := epochNumber(v)
		if !ok {
			return time.Time{}, true, fmt.Errorf("non-numeric epoch %s", v.Raw)
		}
		t, err = epoch(f, strings.EqualFold(format, "unix_ms"))
	case "", "rfc3339", "auto":
		if f, ok := epochNumber(v); ok {
			t, err = epoch(f, f > 1e12)
			break
		}
		if v.Type != gjson.String {
			return time.Time{}, true, fmt.Errorf("unsupported timestamp value %s", v.Raw)
		}
		t, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(v.Str))
	default:
		if v.Type != gjson.String {
			return time.Time{}, true, fmt.Errorf("unsupported timestamp value %s", v.Raw)
		}
		t, err = time.Parse(format, strings.TrimSpace(v.Str))
	}
	if err != nil {
		return time.Time{}, true, err
	}
	t = t.UTC()
	if t.Before(minTimestamp) || t.After(maxTimestamp) {
		return time.Time{}, true, fmt.Errorf("%w: %s", errTimestampRange, v.Raw)
	}
	return t, true, nil
}

// epochNumber reads a JSON number or a numeric string.
func epochNumber(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return finite(v.Num)
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	}
	return 0, false
}

func epoch(f float64, millis bool) (time.Time, error) {
	seconds := f
	if millis {
		seconds = f / 1000
	}
	if seconds < 0 || seconds > float64(maxTimestamp.Unix()) {
		return time.Time{}, errTimestampRange
	}
	if millis {
		ms := math.Floor(f)
		return time.UnixMilli(int64(ms)).Add(time.Duration((f - ms) * float64(time.Millisecond))).UTC(), nil
	}
	sec := math.Floor(f)
	return time.Unix(int64(sec), int64((f-sec)*float64(time.Second))).UTC(), nil
}
