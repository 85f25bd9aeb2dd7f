package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedUnpaired(t *testing.T, store core.DataStore, hardwareID string, modelID *uint) *core.UnpairedDevice {
	t.Helper()
	dev, err := store.UpsertUnpairedDevice(context.Background(), core.UnpairedSighting{
		HardwareID:           hardwareID,
		Topic:                "devices/" + hardwareID + "/telemetry",
		Payload:              []byte(`{}`),
		SeenAt:               time.Now(),
		CandidateNodeModelID: modelID,
	})
	require.NoError(t, err)
	return dev
}

func countNodes(t *testing.T, db *gorm.DB, code string) int64 {
	var n int64
	require.NoError(t, db.Model(&core.Node{}).Where("code = ?", code).Count(&n).Error)
	return n
}

func TestPairing_Pair(t *testing.T) {
	db := testutil.NewDB(t)
	store := core.NewDataStore(db)
	svc := core.NewPairingService(store, testutil.Logger())
	ctx := context.Background()

	project := testutil.SeedProject(t, db, "farm", 1)
	model := testutil.SeedNodeModel(t, db, "th-1")
	dev := seedUnpaired(t, store, "hw-001", &model.ID)

	node, err := svc.Pair(ctx, dev.ID, core.PairRequest{ProjectID: project.ID, NodeName: "Greenhouse 1"})
	require.NoError(t, err)
	assert.Equal(t, "hw-001", node.Code)
	assert.Equal(t, "hw-001", node.SerialNumber)
	assert.Equal(t, "Greenhouse 1", node.Name)
	require.NotNil(t, node.NodeModelID)
	assert.Equal(t, model.ID, *node.NodeModelID)

	got, err := svc.Get(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, core.UnpairedPaired, got.Status)
	require.NotNil(t, got.PairedNodeID)
	assert.Equal(t, node.ID, *got.PairedNodeID)

	_, err = svc.Pair(ctx, dev.ID, core.PairRequest{ProjectID: project.ID})
	assert.ErrorIs(t, err, core.ErrAlreadyPaired)
	assert.True(t, core.IsConflict(err))
	assert.EqualValues(t, 1, countNodes(t, db, "hw-001"))
}

func TestPairing_ConcurrentPairCreatesOneNode(t *testing.T) {
	db := testutil.NewDB(t)
	store := core.NewDataStore(db)
	svc := core.NewPairingService(store, testutil.Logger())
	project := testutil.SeedProject(t, db, "farm", 1)
	dev := seedUnpaired(t, store, "hw-race", nil)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Pair(context.Background(), dev.ID, core.PairRequest{ProjectID: project.ID})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, core.IsConflict(err), err)
	}
	assert.Equal(t, 1, ok)
	assert.EqualValues(t, 1, countNodes(t, db, "hw-race"))
}

func TestPairing_PairValidation(t *testing.T) {
	db := testutil.NewDB(t)
	store := core.NewDataStore(db)
	svc := core.NewPairingService(store, testutil.Logger())
	ctx := context.Background()
	project := testutil.SeedProject(t, db, "farm", 1)

	_, err := svc.Pair(ctx, 999, core.PairRequest{ProjectID: project.ID})
	assert.ErrorIs(t, err, core.ErrUnpairedNotFound)

	dev := seedUnpaired(t, store, "hw-002", nil)
	_, err = svc.Pair(ctx, dev.ID, core.PairRequest{ProjectID: 999})
	assert.ErrorIs(t, err, core.ErrProjectNotFound)

	testutil.SeedNode(t, db, project.ID, "hw-002", nil)
	_, err = svc.Pair(ctx, dev.ID, core.PairRequest{ProjectID: project.ID})
	assert.ErrorIs(t, err, core.ErrNodeCodeTaken)

	got, err := svc.Get(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, core.UnpairedPending, got.Status)
}

func TestPairing_IgnoreAndReset(t *testing.T) {
	db := testutil.NewDB(t)
	store := core.NewDataStore(db)
	svc := core.NewPairingService(store, testutil.Logger())
	ctx := context.Background()
	project := testutil.SeedProject(t, db, "farm", 1)
	dev := seedUnpaired(t, store, "hw-003", nil)

	assert.ErrorIs(t, svc.Reset(ctx, dev.ID), core.ErrNotIgnored)

	require.NoError(t, svc.Ignore(ctx, dev.ID))
	assert.ErrorIs(t, svc.Ignore(ctx, dev.ID), core.ErrDeviceIgnored)

	_, err := svc.Pair(ctx, dev.ID, core.PairRequest{ProjectID: project.ID})
	assert.ErrorIs(t, err, core.ErrDeviceIgnored)

	require.NoError(t, svc.Reset(ctx, dev.ID))
	_, err = svc.Pair(ctx, dev.ID, core.PairRequest{ProjectID: project.ID})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Ignore(ctx, dev.ID), core.ErrAlreadyPaired)

	list, err := svc.List(ctx, core.UnpairedPaired, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
