package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UnpairedSighting is one message from an unknown hardware id.
type UnpairedSighting struct {
	HardwareID           string
	Topic                string
	Payload              datatypes.JSON
	SeenAt               time.Time
	RawLogEntryID        *uint
	CandidateNodeModelID *uint
	SuggestedProjectID   *uint
	SuggestedOwnerID     *uint
}

// DataStore defines data access for nodes, profiles, sensors and pairing.
type DataStore interface {
	// Node operations
	GetNode(ctx context.Context, id uint) (*Node, error)
	FindNodeByToken(ctx context.Context, token string) (*Node, error)
	FindNodeByCode(ctx context.Context, code string) (*Node, error)
	FindNodesByGateway(ctx context.Context, gatewayID string) ([]*Node, error)
	CreateNode(ctx context.Context, node *Node) error
	TouchNode(ctx context.Context, nodeID uint, seenAt time.Time) error
	ListOnlineNodes(ctx context.Context) ([]*Node, error)
	MarkNodesOffline(ctx context.Context, ids []uint) (int64, error)

	// Model and project operations
	GetProject(ctx context.Context, id uint) (*Project, error)
	UpsertProject(ctx context.Context, p *Project) error
	GetNodeModelByCode(ctx context.Context, code string) (*NodeModel, error)
	UpsertNodeModel(ctx context.Context, m *NodeModel) error

	// Mapping spec operations
	GetMappingSpec(ctx context.Context, id uint) (*MappingSpec, error)
	FindMappingSpec(ctx context.Context, nodeModelID uint, projectID uint) (*MappingSpec, error)
	ListEnabledMappingSpecs(ctx context.Context) ([]*MappingSpec, error)
	UpsertMappingSpec(ctx context.Context, spec *MappingSpec) error

	// Sensor operations
	ListChannelsForNode(ctx context.Context, nodeID uint) ([]*SensorChannel, error)
	InsertSensorLogs(ctx context.Context, logs []*SensorLog) (int64, error)

	// Unpaired device operations
	GetUnpairedDevice(ctx context.Context, id uint) (*UnpairedDevice, error)
	FindUnpairedByHardwareID(ctx context.Context, hardwareID string) (*UnpairedDevice, error)
	ListUnpairedDevices(ctx context.Context, status UnpairedStatus, limit int) ([]*UnpairedDevice, error)
	UpsertUnpairedDevice(ctx context.Context, s UnpairedSighting) (*UnpairedDevice, error)
	TransitionUnpairedStatus(ctx context.Context, id uint, from, to UnpairedStatus, pairedNodeID *uint) (bool, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error
}

type dataStore struct {
	db *gorm.DB
}

func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

func (r *dataStore) WithTransaction(ctx context.Context, fn func(c context.Context, r DataStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &dataStore{db: tx})
	})
}

func notFound(err error, domainErr error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainErr
	}
	return &StorageError{Op: op, Err: err}
}

func (r *dataStore) GetNode(ctx context.Context, id uint) (*Node, error) {
	var n Node
	if err := r.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return nil, notFound(err, ErrNodeNotFound, "get node")
	}
	return &n, nil
}

// FindNodeByToken matches code, serial number, DevEUI or MAC address,
// ignoring case. Code wins over the other identifiers.
func (r *dataStore) FindNodeByToken(ctx context.Context, token string) (*Node, error) {
	t := strings.ToLower(token)
	var n Node
	err := r.db.WithContext(ctx).
		Where("LOWER(code) = ? OR LOWER(serial_number) = ? OR LOWER(dev_eui) = ? OR LOWER(mac_address) = ?", t, t, t, t).
		Order(clause.Expr{SQL: "CASE WHEN LOWER(code) = ? THEN 0 ELSE 1 END, id", Vars: []interface{}{t}}).
		First(&n).Error
	if err != nil {
		return nil, notFound(err, ErrNodeNotFound, "find node by token")
	}
	return &n, nil
}

func (r *dataStore) FindNodeByCode(ctx context.Context, code string) (*Node, error) {
	var n Node
	if err := r.db.WithContext(ctx).Where("LOWER(code) = ?", strings.ToLower(code)).First(&n).Error; err != nil {
		return nil, notFound(err, ErrNodeNotFound, "find node by code")
	}
	return &n, nil
}

func (r *dataStore) FindNodesByGateway(ctx context.Context, gatewayID string) ([]*Node, error) {
	var nodes []*Node
	g := strings.ToLower(gatewayID)
	err := r.db.WithContext(ctx).
		Where("LOWER(gateway_id) = ? OR LOWER(code) = ?", g, g).
		Order("id").Find(&nodes).Error
	if err != nil {
		return nil, &StorageError{Op: "find nodes by gateway", Err: err}
	}
	return nodes, nil
}

func (r *dataStore) CreateNode(ctx context.Context, n *Node) error {
	if n.ConnectivityStatus == "" {
		n.ConnectivityStatus = ConnectivityUnknown
	}
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrNodeCodeTaken
		}
		return &StorageError{Op: "create node", Err: err}
	}
	return nil
}

// TouchNode records liveness. last_seen_at only moves forward.
func (r *dataStore) TouchNode(ctx context.Context, nodeID uint, seenAt time.Time) error {
	seenAt = seenAt.UTC()
	err := r.db.WithContext(ctx).Model(&Node{}).
		Where("id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", nodeID, seenAt).
		Updates(map[string]interface{}{"last_seen_at": seenAt, "connectivity_status": ConnectivityOnline}).Error
	if err != nil {
		return &StorageError{Op: "touch node", Err: err}
	}
	err = r.db.WithContext(ctx).Model(&Node{}).
		Where("id = ? AND connectivity_status <> ?", nodeID, ConnectivityOnline).
		Update("connectivity_status", ConnectivityOnline).Error
	if err != nil {
		return &StorageError{Op: "touch node", Err: err}
	}
	return nil
}

func (r *dataStore) ListOnlineNodes(ctx context.Context) ([]*Node, error) {
	var nodes []*Node
	if err := r.db.WithContext(ctx).Where("connectivity_status = ?", ConnectivityOnline).Find(&nodes).Error; err != nil {
		return nil, &StorageError{Op: "list online nodes", Err: err}
	}
	return nodes, nil
}

func (r *dataStore) MarkNodesOffline(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&Node{}).
		Where("id IN ? AND connectivity_status = ?", ids, ConnectivityOnline).
		Update("connectivity_status", ConnectivityOffline)
	if res.Error != nil {
		return 0, &StorageError{Op: "mark nodes offline", Err: res.Error}
	}
	return res.RowsAffected, nil
}

func (r *dataStore) GetProject(ctx context.Context, id uint) (*Project, error) {
	var p Project
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, ErrProjectNotFound, "get project")
	}
	return &p, nil
}

func (r *dataStore) UpsertProject(ctx context.Context, p *Project) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return &StorageError{Op: "upsert project", Err: err}
	}
	return r.db.WithContext(ctx).Where("name = ?", p.Name).First(p).Error
}

func (r *dataStore) GetNodeModelByCode(ctx context.Context, code string) (*NodeModel, error) {
	var m NodeModel
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&m).Error; err != nil {
		return nil, notFound(err, ErrNodeModelNotFound, "get node model")
	}
	return &m, nil
}

func (r *dataStore) UpsertNodeModel(ctx context.Context, m *NodeModel) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "manufacturer", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return &StorageError{Op: "upsert node model", Err: err}
	}
	return r.db.WithContext(ctx).Where("code = ?", m.Code).First(m).Error
}

func (r *dataStore) GetMappingSpec(ctx context.Context, id uint) (*MappingSpec, error) {
	var s MappingSpec
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, notFound(err, ErrSpecNotFound, "get node profile")
	}
	return &s, nil
}

// FindMappingSpec returns the enabled spec for a node model, preferring one
// scoped to projectID over a global one, then the lowest id.
func (r *dataStore) FindMappingSpec(ctx context.Context, nodeModelID uint, projectID uint) (*MappingSpec, error) {
	var s MappingSpec
	err := r.db.WithContext(ctx).
		Where("node_model_id = ? AND enabled = ? AND (project_id IS NULL OR project_id = ?)", nodeModelID, true, projectID).
		Order("CASE WHEN project_id IS NULL THEN 1 ELSE 0 END, id").
		First(&s).Error
	if err != nil {
		return nil, notFound(err, ErrSpecNotFound, "find node profile")
	}
	return &s, nil
}

func (r *dataStore) ListEnabledMappingSpecs(ctx context.Context) ([]*MappingSpec, error) {
	var specs []*MappingSpec
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&specs).Error; err != nil {
		return nil, &StorageError{Op: "list node profiles", Err: err}
	}
	return specs, nil
}

func (r *dataStore) UpsertMappingSpec(ctx context.Context, spec *MappingSpec) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "node_model_id", "project_id", "parser_type", "mapping",
			"transform_script", "output_schema", "enabled", "updated_at",
		}),
	}).Create(spec).Error
	if err != nil {
		return &StorageError{Op: "upsert node profile", Err: err}
	}
	return r.db.WithContext(ctx).Where("code = ?", spec.Code).First(spec).Error
}

func (r *dataStore) ListChannelsForNode(ctx context.Context, nodeID uint) ([]*SensorChannel, error) {
	var channels []*SensorChannel
	err := r.db.WithContext(ctx).
		Joins("JOIN sensors ON sensors.id = sensor_channels.sensor_id").
		Where("sensors.node_id = ?", nodeID).
		Order("sensor_channels.id").
		Find(&channels).Error
	if err != nil {
		return nil, &StorageError{Op: "list channels", Err: err}
	}
	return channels, nil
}

// InsertSensorLogs writes logs, skipping any (channel, ts) pair that already
// exists. It returns the number of rows inserted.
func (r *dataStore) InsertSensorLogs(ctx context.Context, logs []*SensorLog) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sensor_channel_id"}, {Name: "ts"}},
		DoNothing: true,
	}).CreateInBatches(logs, 100)
	if res.Error != nil {
		return 0, &StorageError{Op: "insert sensor logs", Err: res.Error}
	}
	return res.RowsAffected, nil
}

func (r *dataStore) GetUnpairedDevice(ctx context.Context, id uint) (*UnpairedDevice, error) {
	var d UnpairedDevice
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err, ErrUnpairedNotFound, "get unpaired device")
	}
	return &d, nil
}

func (r *dataStore) FindUnpairedByHardwareID(ctx context.Context, hardwareID string) (*UnpairedDevice, error) {
	var d UnpairedDevice
	if err := r.db.WithContext(ctx).Where("hardware_id = ?", NormalizeHardwareID(hardwareID)).First(&d).Error; err != nil {
		return nil, notFound(err, ErrUnpairedNotFound, "find unpaired device")
	}
	return &d, nil
}

func (r *dataStore) ListUnpairedDevices(ctx context.Context, status UnpairedStatus, limit int) ([]*UnpairedDevice, error) {
	var devices []*UnpairedDevice
	q := r.db.WithContext(ctx).Order("last_seen_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if err := q.Limit(limit).Find(&devices).Error; err != nil {
		return nil, &StorageError{Op: "list unpaired devices", Err: err}
	}
	return devices, nil
}

// UpsertUnpairedDevice inserts a pending record or bumps seen_count and the
// last-seen fields of the existing one. Status is never changed here and
// suggestions already set are kept. Repeating the last counted raw log entry
// refreshes the record without counting it again.
func (r *dataStore) UpsertUnpairedDevice(ctx context.Context, s UnpairedSighting) (*UnpairedDevice, error) {
	seenAt := s.SeenAt.UTC()
	hardwareID := NormalizeHardwareID(s.HardwareID)
	rec := &UnpairedDevice{
		HardwareID:           hardwareID,
		CandidateNodeModelID: s.CandidateNodeModelID,
		FirstSeenAt:          seenAt,
		LastSeenAt:           seenAt,
		LastPayload:          s.Payload,
		LastTopic:            s.Topic,
		LastRawLogEntryID:    s.RawLogEntryID,
		SeenCount:            1,
		SuggestedProjectID:   s.SuggestedProjectID,
		SuggestedOwnerID:     s.SuggestedOwnerID,
		Status:               UnpairedPending,
	}

	// a retried raw log entry is not a new sighting
	seenCount := gorm.Expr("CASE WHEN unpaired_devices.last_raw_log_entry_id = excluded.last_raw_log_entry_id " +
		"THEN unpaired_devices.seen_count ELSE unpaired_devices.seen_count + 1 END")

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hardware_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"seen_count":              seenCount,
			"last_raw_log_entry_id":   gorm.Expr("excluded.last_raw_log_entry_id"),
			"last_seen_at":            seenAt,
			"last_payload":            s.Payload,
			"last_topic":              s.Topic,
			"candidate_node_model_id": gorm.Expr("COALESCE(unpaired_devices.candidate_node_model_id, excluded.candidate_node_model_id)"),
			"suggested_project_id":    gorm.Expr("COALESCE(unpaired_devices.suggested_project_id, excluded.suggested_project_id)"),
			"suggested_owner_id":      gorm.Expr("COALESCE(unpaired_devices.suggested_owner_id, excluded.suggested_owner_id)"),
			"updated_at":              time.Now().UTC(),
		}),
	}).Create(rec).Error
	if err != nil {
		return nil, &StorageError{Op: "upsert unpaired device", Err: err}
	}

	return r.FindUnpairedByHardwareID(ctx, hardwareID)
}

// TransitionUnpairedStatus moves a device from one status to another only if
// it is still in from. It reports whether the row changed.
func (r *dataStore) TransitionUnpairedStatus(ctx context.Context, id uint, from, to UnpairedStatus, pairedNodeID *uint) (bool, error) {
	updates := map[string]interface{}{"status": to, "updated_at": time.Now().UTC()}
	if pairedNodeID != nil {
		updates["paired_node_id"] = *pairedNodeID
	}
	res := r.db.WithContext(ctx).Model(&UnpairedDevice{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, &StorageError{Op: "transition unpaired device", Err: res.Error}
	}
	return res.RowsAffected == 1, nil
}
