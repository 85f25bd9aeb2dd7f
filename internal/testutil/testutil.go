// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NewDB returns a migrated in-memory sqlite database private to the test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := infrastructure.NewDatabase(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(core.AllModels()...))
	t.Cleanup(func() { db.Close() })

	return db.DB
}

// NewCache returns a cache backed by miniredis.
func NewCache(t testing.TB) (*infrastructure.Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return infrastructure.NewCacheFromClient(client), mr
}

// Logger returns a logger that discards output.
func Logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return l
}

func Float(v float64) *float64 { return &v }

func Uint(v uint) *uint { return &v }

func SeedProject(t testing.TB, db *gorm.DB, name string, ownerID uint) *core.Project {
	t.Helper()
	p := &core.Project{Name: name, OwnerID: ownerID}
	require.NoError(t, db.Create(p).Error)
	return p
}

func SeedNodeModel(t testing.TB, db *gorm.DB, code string) *core.NodeModel {
	t.Helper()
	m := &core.NodeModel{Code: code, Name: code}
	require.NoError(t, db.Create(m).Error)
	return m
}

// SeedNode creates a node in project with the given code and model.
func SeedNode(t testing.TB, db *gorm.DB, projectID uint, code string, modelID *uint) *core.Node {
	t.Helper()
	n := &core.Node{
		Code:                     code,
		Name:                     code,
		ProjectID:                projectID,
		NodeModelID:              modelID,
		ConnectivityStatus:       core.ConnectivityUnknown,
		TelemetryIntervalSeconds: 60,
	}
	require.NoError(t, db.Create(n).Error)
	return n
}

// SeedChannel creates a sensor on node with one channel for metric.
func SeedChannel(t testing.TB, db *gorm.DB, nodeID uint, metric string, opts ...func(*core.SensorChannel)) *core.SensorChannel {
	t.Helper()
	sensor := &core.Sensor{NodeID: nodeID, Code: metric, Name: metric}
	require.NoError(t, db.Create(sensor).Error)

	ch := &core.SensorChannel{SensorID: sensor.ID, MetricCode: metric}
	for _, opt := range opts {
		opt(ch)
	}
	require.NoError(t, db.Create(ch).Error)
	return ch
}

// SeedSpec creates an enabled JSON profile for model.
func SeedSpec(t testing.TB, db *gorm.DB, code string, modelID uint, def core.MappingDefinition, opts ...func(*core.MappingSpec)) *core.MappingSpec {
	t.Helper()
	spec := &core.MappingSpec{
		Code:        code,
		Name:        code,
		NodeModelID: modelID,
		ParserType:  core.ParserJSON,
		Mapping:     datatypes.NewJSONType(def),
		Enabled:     true,
	}
	for _, opt := range opts {
		opt(spec)
	}
	require.NoError(t, db.Create(spec).Error)
	return spec
}

// SeedRawLog appends a raw log entry the way the ingestor does.
func SeedRawLog(t testing.TB, db *gorm.DB, topic string, payload []byte) *core.RawLogEntry {
	t.Helper()
	store := core.NewRawLogStore(db)
	ctx := context.Background()
	id, err := store.Append(ctx, core.AppendRequest{
		Label:      core.ClassifyTopic(topic),
		Topic:      topic,
		Payload:    payload,
		Source:     core.SourceMQTT,
		ReceivedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	entry, err := store.Get(ctx, id)
	require.NoError(t, err)
	return entry
}
