package core_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestor_AppendsWithTokenAndLabel(t *testing.T) {
	db := testutil.NewDB(t)
	rawlogs := core.NewRawLogStore(db)
	extractor := core.NewTokenExtractor(identityConfig(core.StrategyPayloadThenTopic), nil, nil)
	ing := core.NewIngestor(rawlogs, extractor, nil, nil, testutil.Logger())
	ctx := context.Background()

	require.NoError(t, ing.HandleMessage(ctx, "devices/n1/event", []byte(`{"door":"open"}`)))

	id, err := ing.Ingest(ctx, core.SourceServiceBus, "bridge/telemetry", []byte(`{"deviceId":"n2"}`), time.Now())
	require.NoError(t, err)

	entries, err := rawlogs.List(ctx, core.RawLogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "n2", entries[0].DeviceToken)
	assert.Equal(t, core.SourceServiceBus, entries[0].Source)

	assert.Equal(t, "n1", entries[1].DeviceToken)
	assert.Equal(t, core.LabelEvent, entries[1].Label)
	assert.False(t, entries[1].Processed)
}

func TestIngestor_KeepsMessagesWithoutToken(t *testing.T) {
	db := testutil.NewDB(t)
	rawlogs := core.NewRawLogStore(db)
	extractor := core.NewTokenExtractor(identityConfig(core.StrategyPayload), nil, nil)
	ing := core.NewIngestor(rawlogs, extractor, nil, nil, testutil.Logger())

	require.NoError(t, ing.Handler(core.SourceMQTT)(context.Background(), "x/y", []byte{0xde, 0xad}))

	n, err := rawlogs.CountUnprocessed(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestIngestor_SpoolsWhenStoreFails(t *testing.T) {
	db := testutil.NewDB(t)
	rawlogs := core.NewRawLogStore(db)
	spool, err := infrastructure.NewSpool(filepath.Join(t.TempDir(), "spool.jsonl"), 0, 5)
	require.NoError(t, err)
	t.Cleanup(func() { spool.Close() })

	extractor := core.NewTokenExtractor(config.IdentityConfig{Strategy: core.StrategyTopic, TopicSegment: 1}, nil, nil)
	ing := core.NewIngestor(rawlogs, extractor, spool, nil, testutil.Logger())
	ctx := context.Background()

	require.NoError(t, db.Migrator().DropTable(&core.RawLogEntry{}))

	id, err := ing.Ingest(ctx, core.SourceMQTT, "devices/n9/telemetry", []byte(`{"t":5}`), time.Now())
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Equal(t, 1, ing.SpoolDepth())

	// still failing: record is kept
	res, err := ing.DrainSpool(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Kept)

	require.NoError(t, db.AutoMigrate(&core.RawLogEntry{}))
	res, err = ing.DrainSpool(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 0, ing.SpoolDepth())

	entries, err := rawlogs.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "n9", entries[0].DeviceToken)
	payload, err := entries[0].DecodePayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":5}`, string(payload))
}
