package processor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/mapping"
	"example.com/backstage/services/ingest/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	store    core.DataStore
	rawlogs  *core.RawLogStore
	resolver *core.Resolver
	engine   *mapping.Engine
	node     *core.Node
	spec     *core.MappingSpec
	temp     *core.SensorChannel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	logger := testutil.Logger()
	idCfg := config.IdentityConfig{
		Strategy:     core.StrategyPayloadThenTopic,
		PayloadPaths: []string{"deviceId"},
		TopicSegment: 1,
	}
	store := core.NewDataStore(db)
	rawlogs := core.NewRawLogStore(db)
	resolver := core.NewResolver(store, core.NewTokenExtractor(idCfg, store, logger), nil, idCfg, nil, logger)
	engine, err := mapping.NewEngine(config.MappingConfig{ScriptTimeout: 100 * time.Millisecond}, nil, logger)
	require.NoError(t, err)

	project := testutil.SeedProject(t, db, "farm", 1)
	model := testutil.SeedNodeModel(t, db, "th-1")
	node := testutil.SeedNode(t, db, project.ID, "n1", &model.ID)
	spec := testutil.SeedSpec(t, db, "th-1-v1", model.ID, core.MappingDefinition{
		TimestampPath: "ts",
		Channels: []core.ChannelMapping{
			{MetricCode: "temperature", SourcePath: "data.t", Multiplier: testutil.Float(0.1)},
			{MetricCode: "humidity", SourcePath: "data.h"},
		},
	})
	temp := testutil.SeedChannel(t, db, node.ID, "temperature")
	testutil.SeedChannel(t, db, node.ID, "humidity")

	return &fixture{db: db, store: store, rawlogs: rawlogs, resolver: resolver, engine: engine, node: node, spec: spec, temp: temp}
}

func (f *fixture) processor(t *testing.T, claimer Claimer) *Processor {
	t.Helper()
	return NewProcessor(f.rawlogs, f.store, f.resolver, f.engine, claimer, config.ProcessorConfig{
		BatchSize:   50,
		Concurrency: 4,
		ClaimTTL:    time.Minute,
		Interval:    time.Hour,
	}, nil, testutil.Logger())
}

func (f *fixture) entry(t *testing.T, topic, payload string) *core.RawLogEntry {
	t.Helper()
	return testutil.SeedRawLog(t, f.db, topic, []byte(payload))
}

func (f *fixture) notes(t *testing.T, id uint) (bool, string) {
	t.Helper()
	e, err := f.rawlogs.Get(context.Background(), id)
	require.NoError(t, err)
	return e.Processed, e.Notes
}

func (f *fixture) sensorLogCount(t *testing.T) int64 {
	var n int64
	require.NoError(t, f.db.Model(&core.SensorLog{}).Count(&n).Error)
	return n
}

func TestRunOnce_WritesReadingsAndLiveness(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, nil)
	e := f.entry(t, "devices/n1/telemetry", `{"ts":1700000000,"data":{"t":253,"h":40}}`)

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Fetched)
	assert.Equal(t, 1, stats.Outcomes[OutcomeOK])
	assert.Equal(t, 2, stats.Readings)

	processed, notes := f.notes(t, e.ID)
	assert.True(t, processed)
	assert.Equal(t, "ok: 2 readings written", notes)

	var logs []core.SensorLog
	require.NoError(t, f.db.Order("sensor_channel_id").Find(&logs).Error)
	require.Len(t, logs, 2)
	assert.Equal(t, f.temp.ID, logs[0].SensorChannelID)
	assert.InDelta(t, 25.3, logs[0].ValueEngineered, 1e-9)
	assert.Equal(t, e.ID, logs[0].RawLogEntryID)
	assert.True(t, logs[0].Ts.Equal(time.Unix(1700000000, 0)))

	node, err := f.store.GetNode(context.Background(), f.node.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConnectivityOnline, node.ConnectivityStatus)
	require.NotNil(t, node.LastSeenAt)

	last, runs := p.Stats()
	assert.EqualValues(t, 1, runs)
	assert.Equal(t, stats, last)
}

func TestRunOnce_OutcomeNotes(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, nil)

	testutil.SeedNode(t, f.db, f.node.ProjectID, "bare", nil)

	partial := f.entry(t, "devices/n1/telemetry", `{"data":{"t":"n/a","h":40}}`)
	unresolved := f.entry(t, "x", `{"temp":1}`)
	unpaired := f.entry(t, "devices/ghost/telemetry", `{"t":1}`)
	noProfile := f.entry(t, "devices/bare/telemetry", `{"t":1}`)

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	_, notes := f.notes(t, partial.ID)
	assert.Equal(t, "partial: 1 readings written; skipped: temperature (not numeric)", notes)
	_, notes = f.notes(t, unresolved.ID)
	assert.Equal(t, "unresolved: no device token", notes)
	_, notes = f.notes(t, unpaired.ID)
	assert.Equal(t, "unpaired: ghost (seen 1)", notes)
	_, notes = f.notes(t, noProfile.ID)
	assert.Equal(t, "no-profile: node bare", notes)

	n, err := f.rawlogs.CountUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnce_ScriptErrorDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, nil)

	other := testutil.SeedNodeModel(t, f.db, "scripted")
	scriptNode := testutil.SeedNode(t, f.db, f.node.ProjectID, "s1", &other.ID)
	testutil.SeedChannel(t, f.db, scriptNode.ID, "v")
	testutil.SeedSpec(t, f.db, "scripted-v1", other.ID, core.MappingDefinition{
		Channels: []core.ChannelMapping{{MetricCode: "v", SourcePath: "v"}},
	}, func(s *core.MappingSpec) {
		s.TransformScript = `if (payload.bad) { throw new Error("corrupt frame"); } return { v: payload.v };`
	})

	good1 := f.entry(t, "devices/n1/telemetry", `{"data":{"t":1,"h":2}}`)
	bad := f.entry(t, "devices/s1/telemetry", `{"bad":true}`)
	good2 := f.entry(t, "devices/s1/telemetry", `{"v":7}`)

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Outcomes[OutcomeOK])
	assert.Equal(t, 1, stats.Outcomes[OutcomeMappingError])

	processed, notes := f.notes(t, bad.ID)
	assert.True(t, processed)
	assert.Contains(t, notes, "mapping-error: ")
	assert.Contains(t, notes, "corrupt frame")

	_, notes = f.notes(t, good1.ID)
	assert.Equal(t, "ok: 2 readings written", notes)
	_, notes = f.notes(t, good2.ID)
	assert.Equal(t, "ok: 1 readings written", notes)
}

func TestRunOnce_FailedMappingLeavesLivenessAlone(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, nil)
	ctx := context.Background()

	bare := testutil.SeedNode(t, f.db, f.node.ProjectID, "bare", nil)
	other := testutil.SeedNodeModel(t, f.db, "scripted")
	broken := testutil.SeedNode(t, f.db, f.node.ProjectID, "s1", &other.ID)
	testutil.SeedChannel(t, f.db, broken.ID, "v")
	testutil.SeedSpec(t, f.db, "scripted-v1", other.ID, core.MappingDefinition{
		Channels: []core.ChannelMapping{{MetricCode: "v", SourcePath: "v"}},
	}, func(s *core.MappingSpec) {
		s.TransformScript = `throw new Error("corrupt");`
	})
	require.NoError(t, f.db.Model(&core.Node{}).Where("id IN ?", []uint{bare.ID, broken.ID}).
		Update("connectivity_status", core.ConnectivityOffline).Error)

	f.entry(t, "devices/bare/telemetry", `{"t":1}`)
	f.entry(t, "devices/s1/telemetry", `{"v":1}`)

	stats, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Outcomes[OutcomeNoProfile])
	assert.Equal(t, 1, stats.Outcomes[OutcomeMappingError])

	for _, id := range []uint{bare.ID, broken.ID} {
		node, err := f.store.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.ConnectivityOffline, node.ConnectivityStatus, node.Code)
		assert.Nil(t, node.LastSeenAt, node.Code)
	}
}

func TestRunOnce_SensorLogCarriesSourceStatusAndThresholds(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, nil)

	other := testutil.SeedNodeModel(t, f.db, "pump")
	pump := testutil.SeedNode(t, f.db, f.node.ProjectID, "p1", &other.ID)
	pressure := testutil.SeedChannel(t, f.db, pump.ID, "pressure", func(ch *core.SensorChannel) {
		ch.MinThreshold = testutil.Float(1)
		ch.MaxThreshold = testutil.Float(6)
	})
	testutil.SeedChannel(t, f.db, pump.ID, "flow")
	testutil.SeedSpec(t, f.db, "pump-v1", other.ID, core.MappingDefinition{
		StatusPath: "status",
		Channels: []core.ChannelMapping{
			{MetricCode: "pressure", SourcePath: "p"},
			{MetricCode: "flow", SourcePath: "f", StatusPath: "f_status"},
		},
	})

	e := f.entry(t, "devices/p1/telemetry", `{"status":3,"p":7.5,"f":12,"f_status":"0x10"}`)
	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	var logs []core.SensorLog
	require.NoError(t, f.db.Where("raw_log_entry_id = ?", e.ID).Order("sensor_channel_id").Find(&logs).Error)
	require.Len(t, logs, 2)

	assert.Equal(t, pressure.ID, logs[0].SensorChannelID)
	assert.Equal(t, core.SourceMQTT, logs[0].IngestionSource)
	assert.Equal(t, core.QualityOutOfRange, logs[0].QualityFlag)
	require.NotNil(t, logs[0].StatusCode)
	assert.Equal(t, 3, *logs[0].StatusCode)
	require.NotNil(t, logs[0].MinThreshold)
	require.NotNil(t, logs[0].MaxThreshold)
	assert.Equal(t, 1.0, *logs[0].MinThreshold)
	assert.Equal(t, 6.0, *logs[0].MaxThreshold)

	// thresholds are a snapshot; later edits to the channel do not rewrite history
	require.NoError(t, f.db.Model(pressure).Update("max_threshold", 10).Error)
	var stored core.SensorLog
	require.NoError(t, f.db.First(&stored, logs[0].ID).Error)
	assert.Equal(t, 6.0, *stored.MaxThreshold)

	require.NotNil(t, logs[1].StatusCode)
	assert.Equal(t, 16, *logs[1].StatusCode)
	assert.Nil(t, logs[1].MinThreshold)
}

func TestRunOnce_ConcurrentProcessorsMarkOnce(t *testing.T) {
	f := newFixture(t)
	cache, _ := testutil.NewCache(t)

	const n = 30
	base := time.Unix(1700000000, 0)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Unix()
		f.entry(t, "devices/n1/telemetry", `{"ts":`+strconv.FormatInt(ts, 10)+`,"data":{"t":1,"h":2}}`)
	}

	processors := []*Processor{f.processor(t, cache), f.processor(t, cache), f.processor(t, cache)}
	var wg sync.WaitGroup
	results := make([]*TickStats, len(processors))
	for i, p := range processors {
		wg.Add(1)
		go func(i int, p *Processor) {
			defer wg.Done()
			stats, err := p.RunOnce(context.Background())
			assert.NoError(t, err)
			results[i] = stats
		}(i, p)
	}
	wg.Wait()

	ok := 0
	for _, s := range results {
		ok += s.Outcomes[OutcomeOK]
		assert.Zero(t, s.Outcomes[OutcomeRetry])
	}
	assert.Equal(t, n, ok)
	assert.EqualValues(t, 2*n, f.sensorLogCount(t))

	pending, err := f.rawlogs.CountUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRunOnce_RejectsOverlappingTick(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, nil)

	p.running.Store(true)
	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	p.running.Store(false)
	_, err = p.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestRunOnce_StorageFailureLeavesEntryForRetry(t *testing.T) {
	f := newFixture(t)
	claimer := NewLocalClaimer(time.Minute)
	p := f.processor(t, claimer)
	e := f.entry(t, "devices/n1/telemetry", `{"ts":1700000000,"data":{"t":1,"h":2}}`)

	require.NoError(t, f.db.Migrator().DropTable(&core.SensorLog{}))

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Outcomes[OutcomeRetry])

	processed, _ := f.notes(t, e.ID)
	assert.False(t, processed)
	ok, err := claimer.Claim(context.Background(), claimKey(e.ID), "someone", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "claim should have been released")
	require.NoError(t, claimer.Release(context.Background(), claimKey(e.ID), "someone"))

	node, err := f.store.GetNode(context.Background(), f.node.ID)
	require.NoError(t, err)
	assert.Nil(t, node.LastSeenAt, "liveness rolls back with the readings")

	require.NoError(t, f.db.AutoMigrate(&core.SensorLog{}))
	stats, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Outcomes[OutcomeOK])
	processed, _ = f.notes(t, e.ID)
	assert.True(t, processed)
}

func TestRunOnce_DuplicateReadingsAreIgnored(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, nil)
	payload := `{"ts":1700000000,"data":{"t":1,"h":2}}`
	f.entry(t, "devices/n1/telemetry", payload)

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	dup := f.entry(t, "devices/n1/telemetry", payload)
	_, err = p.RunOnce(context.Background())
	require.NoError(t, err)

	_, notes := f.notes(t, dup.ID)
	assert.Equal(t, "ok: 0 readings written", notes)
	assert.EqualValues(t, 2, f.sensorLogCount(t))
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, nil)
	e := f.entry(t, "devices/n1/telemetry", `{"data":{"t":1,"h":2}}`)
	ghost := f.entry(t, "devices/ghost/telemetry", `{}`)

	stats, err := p.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, stats.Results, 2)
	assert.Equal(t, "ok: 2 readings written", stats.Results[0].Notes)
	assert.Equal(t, "unpaired: ghost", stats.Results[1].Notes)

	processed, _ := f.notes(t, e.ID)
	assert.False(t, processed)
	processed, _ = f.notes(t, ghost.ID)
	assert.False(t, processed)
	assert.Zero(t, f.sensorLogCount(t))

	devices, err := f.store.ListUnpairedDevices(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	p := NewProcessor(f.rawlogs, f.store, f.resolver, f.engine, nil, config.ProcessorConfig{Interval: 10 * time.Millisecond}, nil, testutil.Logger())
	e := f.entry(t, "devices/n1/telemetry", `{"data":{"t":1,"h":2}}`)

	p.Start(context.Background())
	assert.Eventually(t, func() bool {
		processed, _ := f.notes(t, e.ID)
		return processed
	}, 2*time.Second, 10*time.Millisecond)
	p.Stop()
	p.Stop()
}
