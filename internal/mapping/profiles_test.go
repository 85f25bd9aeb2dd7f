package mapping

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

const bundleYAML = `
models:
  - code: th-1
    name: Temp/Humidity v1
    manufacturer: Acme
  - code: lora-frame
profiles:
  - code: th-1-default
    model: th-1
    mapping:
      deviceIdPath: meta.serial
      timestampPath: ts
      channels:
        - metricCode: temperature
          sourcePath: data.t
          multiplier: 0.1
          unit: C
        - metricCode: humidity
          sourcePath: data.h
  - code: lora-frame-v2
    model: lora-frame
    parser: binary
    enabled: false
    mapping:
      binary:
        format: frame
        payloadPath: data
      channels:
        - metricCode: battery
          byteOffset: 0
          dataType: u16
    transform_script: |
      return { battery: payload.battery / 1000 };
    output_schema:
      type: object
      required: [battery]
`

func TestLoadProfilesAndImport(t *testing.T) {
	db := testutil.NewDB(t)
	store := core.NewDataStore(db)
	ctx := context.Background()

	bundle, err := LoadProfiles(strings.NewReader(bundleYAML))
	require.NoError(t, err)
	require.Len(t, bundle.Models, 2)
	require.Len(t, bundle.Profiles, 2)

	res, err := bundle.Import(ctx, store, newTestEngine(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Models: 2, Profiles: 2}, res)

	model, err := store.GetNodeModelByCode(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", model.Manufacturer)

	spec, err := store.FindMappingSpec(ctx, model.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "th-1-default", spec.Code)
	assert.Equal(t, core.ParserJSON, spec.ParserType)
	assert.True(t, spec.Enabled)
	def := spec.Mapping.Data()
	assert.Equal(t, "meta.serial", def.DeviceIDPath)
	require.Len(t, def.Channels, 2)
	require.NotNil(t, def.Channels[0].Multiplier)
	assert.InDelta(t, 0.1, *def.Channels[0].Multiplier, 1e-12)

	frameModel, err := store.GetNodeModelByCode(ctx, "lora-frame")
	require.NoError(t, err)
	_, err = store.FindMappingSpec(ctx, frameModel.ID, 0)
	assert.ErrorIs(t, err, core.ErrSpecNotFound, "disabled profiles are not selected")

	// re-import updates in place
	res, err = bundle.Import(ctx, store, newTestEngine(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Profiles)
	var count int64
	require.NoError(t, db.Model(&core.MappingSpec{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestLoadProfiles_RejectsUnknownFields(t *testing.T) {
	_, err := LoadProfiles(strings.NewReader("profiles:\n  - code: x\n    modle: y\n"))
	assert.Error(t, err)

	b, err := LoadProfiles(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, b.Profiles)
}

func TestImport_UnknownModelRollsBack(t *testing.T) {
	db := testutil.NewDB(t)
	store := core.NewDataStore(db)

	bundle := &ProfileBundle{
		Models: []ModelDoc{{Code: "m1"}},
		Profiles: []ProfileDoc{{
			Code:    "p1",
			Model:   "missing",
			Mapping: core.MappingDefinition{Channels: []core.ChannelMapping{{MetricCode: "t"}}},
		}},
	}
	_, err := bundle.Import(context.Background(), store, newTestEngine(t, time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNodeModelNotFound)

	_, err = store.GetNodeModelByCode(context.Background(), "m1")
	assert.ErrorIs(t, err, core.ErrNodeModelNotFound)
}

func TestCheck(t *testing.T) {
	e := newTestEngine(t, time.Second)
	channels := []core.ChannelMapping{{MetricCode: "t"}}

	tests := []struct {
		name string
		spec core.MappingSpec
		ok   bool
	}{
		{"plain json", core.MappingSpec{ParserType: core.ParserJSON}, true},
		{"unknown parser", core.MappingSpec{ParserType: "xml"}, false},
		{"binary without layout", core.MappingSpec{ParserType: core.ParserBinary}, false},
		{"custom without script", core.MappingSpec{ParserType: core.ParserCustom}, false},
		{"custom with script", core.MappingSpec{ParserType: core.ParserCustom, TransformScript: "return {t: 1};"}, true},
		{"script syntax error", core.MappingSpec{ParserType: core.ParserJSON, TransformScript: "return {"}, false},
		{"bad schema", core.MappingSpec{ParserType: core.ParserJSON, OutputSchema: datatypes.JSON(`{"type": 12}`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.Mapping = datatypes.NewJSONType(core.MappingDefinition{Channels: channels})
			err := e.Check(&spec)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, core.ErrSpecInvalid), "got %v", err)
		})
	}

	t.Run("channels", func(t *testing.T) {
		check := func(def core.MappingDefinition, parser core.ParserType) error {
			return e.Check(&core.MappingSpec{ParserType: parser, Mapping: datatypes.NewJSONType(def)})
		}
		assert.Error(t, check(core.MappingDefinition{}, core.ParserJSON))
		assert.Error(t, check(core.MappingDefinition{Channels: []core.ChannelMapping{{SourcePath: "x"}}}, core.ParserJSON))
		assert.Error(t, check(core.MappingDefinition{Channels: []core.ChannelMapping{{MetricCode: "a"}, {MetricCode: "a"}}}, core.ParserJSON))
		assert.Error(t, check(core.MappingDefinition{
			Binary:   &core.BinaryLayout{Format: "frame"},
			Channels: []core.ChannelMapping{{MetricCode: "a", DataType: "u24"}},
		}, core.ParserBinary))
		assert.NoError(t, check(core.MappingDefinition{
			Binary:   &core.BinaryLayout{Format: "cbor"},
			Channels: []core.ChannelMapping{{MetricCode: "a"}},
		}, core.ParserBinary))
	})
}
