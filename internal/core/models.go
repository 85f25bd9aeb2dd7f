package core

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Label classifies a raw log entry. The set is closed.
type Label string

const (
	LabelTelemetry Label = "telemetry"
	LabelEvent     Label = "event"
	LabelPairing   Label = "pairing"
	LabelError     Label = "error"
	LabelWarning   Label = "warning"
	LabelCommand   Label = "command"
	LabelResponse  Label = "response"
	LabelDebug     Label = "debug"
	LabelInfo      Label = "info"
	LabelLog       Label = "log"
)

var labels = map[Label]struct{}{
	LabelTelemetry: {}, LabelEvent: {}, LabelPairing: {}, LabelError: {}, LabelWarning: {},
	LabelCommand: {}, LabelResponse: {}, LabelDebug: {}, LabelInfo: {}, LabelLog: {},
}

// ParseLabel returns the label named s, rejecting anything outside the set.
func ParseLabel(s string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := labels[l]; !ok {
		return "", fmt.Errorf("unknown label %q", s)
	}
	return l, nil
}

// ClassifyTopic derives a label from the trailing topic segments, e.g.
// devices/n1/telemetry or devices/n1/status/error. Unknown topics are telemetry.
func ClassifyTopic(topic string) Label {
	segments := strings.Split(strings.Trim(topic, "/"), "/")
	for i := len(segments) - 1; i >= 0 && i >= len(segments)-2; i-- {
		seg := strings.ToLower(segments[i])
		switch seg {
		case "up", "uplink", "data", "measurements":
			return LabelTelemetry
		case "events":
			return LabelEvent
		case "join", "pair":
			return LabelPairing
		case "warn":
			return LabelWarning
		case "ack", "reply":
			return LabelResponse
		case "logs":
			return LabelLog
		}
		if l, err := ParseLabel(seg); err == nil {
			return l
		}
	}
	return LabelTelemetry
}

// Payload encodings stored alongside raw log payloads.
const (
	EncodingJSON   = "json"
	EncodingBase64 = "base64"
)

// Sources of inbound messages.
const (
	SourceMQTT       = "mqtt"
	SourceServiceBus = "servicebus"
	SourceSpool      = "spool"
)

// RawLogEntry is an inbound message exactly as received.
type RawLogEntry struct {
	ID              uint           `json:"id" gorm:"primaryKey"`
	Label           Label          `json:"label" gorm:"type:varchar(16);index;not null"`
	Topic           string         `json:"topic" gorm:"index;not null"`
	Payload         datatypes.JSON `json:"payload"`
	PayloadEncoding string         `json:"payload_encoding" gorm:"type:varchar(8);not null"`
	DeviceToken     string         `json:"device_token,omitempty" gorm:"index"`
	Source          string         `json:"source" gorm:"type:varchar(16);not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"index;not null"`
	Processed       bool           `json:"processed" gorm:"index;not null"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NodeModel is a hardware family.
type NodeModel struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Code         string    `json:"code" gorm:"uniqueIndex;not null"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Project groups nodes under an owner.
type Project struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex;not null"`
	OwnerID   uint      `json:"owner_id" gorm:"index;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParserType selects how a payload is decoded before extraction.
type ParserType string

const (
	ParserJSON   ParserType = "json"
	ParserBinary ParserType = "binary"
	ParserCustom ParserType = "custom"
)

// MappingSpec (a.k.a. node profile) describes how one node model's payloads
// become sensor readings.
type MappingSpec struct {
	ID              uint                                 `json:"id" gorm:"primaryKey"`
	Code            string                               `json:"code" gorm:"uniqueIndex;not null"`
	Name            string                               `json:"name"`
	NodeModelID     uint                                 `json:"node_model_id" gorm:"index;not null"`
	ProjectID       *uint                                `json:"project_id,omitempty" gorm:"index"`
	ParserType      ParserType                           `json:"parser_type" gorm:"type:varchar(16);not null"`
	Mapping         datatypes.JSONType[MappingDefinition] `json:"mapping"`
	TransformScript string                               `json:"transform_script,omitempty" gorm:"type:text"`
	OutputSchema    datatypes.JSON                       `json:"output_schema,omitempty"`
	Enabled         bool                                 `json:"enabled" gorm:"index;not null"`
	CreatedAt       time.Time                            `json:"created_at"`
	UpdatedAt       time.Time                            `json:"updated_at"`
}

// MappingDefinition is the declarative part of a MappingSpec.
type MappingDefinition struct {
	DeviceIDPath    string           `json:"deviceIdPath,omitempty" yaml:"deviceIdPath"`
	TimestampPath   string           `json:"timestampPath,omitempty" yaml:"timestampPath"`
	TimestampFormat string           `json:"timestampFormat,omitempty" yaml:"timestampFormat"`
	StatusPath      string           `json:"statusPath,omitempty" yaml:"statusPath"`
	Binary          *BinaryLayout    `json:"binary,omitempty" yaml:"binary"`
	Channels        []ChannelMapping `json:"channels" yaml:"channels"`
}

// BinaryLayout describes binary payloads. Format is "cbor" or "frame".
// PayloadPath points at a base64 field when the frame arrives inside a JSON envelope.
type BinaryLayout struct {
	Format      string `json:"format" yaml:"format"`
	ByteOrder   string `json:"byteOrder,omitempty" yaml:"byteOrder"`
	PayloadPath string `json:"payloadPath,omitempty" yaml:"payloadPath"`
}

// ChannelMapping maps one extracted value onto a metric.
type ChannelMapping struct {
	MetricCode    string   `json:"metricCode" yaml:"metricCode"`
	SourcePath    string   `json:"sourcePath,omitempty" yaml:"sourcePath"`
	Multiplier    *float64 `json:"multiplier,omitempty" yaml:"multiplier"`
	Offset        *float64 `json:"offset,omitempty" yaml:"offset"`
	Unit          string   `json:"unit,omitempty" yaml:"unit"`
	Required      bool     `json:"required,omitempty" yaml:"required"`
	TimestampPath string   `json:"timestampPath,omitempty" yaml:"timestampPath"`
	StatusPath    string   `json:"statusPath,omitempty" yaml:"statusPath"`
	ByteOffset    int      `json:"byteOffset,omitempty" yaml:"byteOffset"`
	DataType      string   `json:"dataType,omitempty" yaml:"dataType"`
}

// Connectivity states of a node.
const (
	ConnectivityUnknown = "unknown"
	ConnectivityOnline  = "online"
	ConnectivityOffline = "offline"
)

// Node is a registered, paired device.
type Node struct {
	ID                       uint       `json:"id" gorm:"primaryKey"`
	Code                     string     `json:"code" gorm:"uniqueIndex;not null"`
	Name                     string     `json:"name"`
	ProjectID                uint       `json:"project_id" gorm:"index;not null"`
	NodeModelID              *uint      `json:"node_model_id,omitempty" gorm:"index"`
	NodeProfileID            *uint      `json:"node_profile_id,omitempty" gorm:"index"`
	SerialNumber             string     `json:"serial_number,omitempty" gorm:"index"`
	DevEUI                   string     `json:"dev_eui,omitempty" gorm:"column:dev_eui;index"`
	MACAddress               string     `json:"mac_address,omitempty" gorm:"column:mac_address;index"`
	GatewayID                string     `json:"gateway_id,omitempty" gorm:"index"`
	ConnectivityStatus       string     `json:"connectivity_status" gorm:"type:varchar(16);not null"`
	LastSeenAt               *time.Time `json:"last_seen_at,omitempty"`
	TelemetryIntervalSeconds int        `json:"telemetry_interval_seconds"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// Sensor is a physical sensor on a node.
type Sensor struct {
	ID        uint            `json:"id" gorm:"primaryKey"`
	NodeID    uint            `json:"node_id" gorm:"index;not null"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Channels  []SensorChannel `json:"channels,omitempty" gorm:"foreignKey:SensorID"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SensorChannel is one measured quantity of a sensor, with optional
// calibration and thresholds.
type SensorChannel struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	SensorID     uint      `json:"sensor_id" gorm:"index;not null"`
	MetricCode   string    `json:"metric_code" gorm:"index;not null"`
	Unit         string    `json:"unit"`
	MinThreshold *float64  `json:"min_threshold,omitempty"`
	MaxThreshold *float64  `json:"max_threshold,omitempty"`
	Multiplier   *float64  `json:"multiplier,omitempty"`
	Offset       *float64  `json:"offset,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Quality flags on sensor logs.
const (
	QualityGood       = "good"
	QualityOutOfRange = "out_of_range"
)

// SensorLog is one calibrated reading. (sensor_channel_id, ts) is unique.
type SensorLog struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	SensorChannelID uint      `json:"sensor_channel_id" gorm:"not null;uniqueIndex:idx_sensor_logs_channel_ts"`
	Ts              time.Time `json:"ts" gorm:"column:ts;not null;uniqueIndex:idx_sensor_logs_channel_ts"`
	ValueRaw        float64   `json:"value_raw"`
	ValueEngineered float64   `json:"value_engineered"`
	QualityFlag     string    `json:"quality_flag" gorm:"type:varchar(16);not null"`
	IngestionSource string    `json:"ingestion_source" gorm:"type:varchar(16)"`
	StatusCode      *int      `json:"status_code,omitempty"`
	// thresholds of the channel when the reading was written
	MinThreshold  *float64  `json:"min_threshold,omitempty"`
	MaxThreshold  *float64  `json:"max_threshold,omitempty"`
	RawLogEntryID uint      `json:"raw_log_entry_id" gorm:"index"`
	CreatedAt     time.Time `json:"created_at"`
}

// UnpairedStatus is the pairing state of an unknown device.
type UnpairedStatus string

const (
	UnpairedPending UnpairedStatus = "pending"
	UnpairedPaired  UnpairedStatus = "paired"
	UnpairedIgnored UnpairedStatus = "ignored"
)

// UnpairedDevice records a hardware id that sent traffic but has no Node.
type UnpairedDevice struct {
	ID                   uint           `json:"id" gorm:"primaryKey"`
	HardwareID           string         `json:"hardware_id" gorm:"uniqueIndex;not null"`
	CandidateNodeModelID *uint          `json:"candidate_node_model_id,omitempty"`
	FirstSeenAt          time.Time      `json:"first_seen_at" gorm:"not null"`
	LastSeenAt           time.Time      `json:"last_seen_at" gorm:"index;not null"`
	LastPayload          datatypes.JSON `json:"last_payload,omitempty"`
	LastTopic            string         `json:"last_topic"`
	LastRawLogEntryID    *uint          `json:"last_raw_log_entry_id,omitempty"`
	SeenCount            int64          `json:"seen_count" gorm:"not null"`
	SuggestedProjectID   *uint          `json:"suggested_project_id,omitempty"`
	SuggestedOwnerID     *uint          `json:"suggested_owner_id,omitempty"`
	PairedNodeID         *uint          `json:"paired_node_id,omitempty"`
	Status               UnpairedStatus `json:"status" gorm:"type:varchar(16);index;not null"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// TableName overrides for GORM
func (RawLogEntry) TableName() string    { return "raw_log_entries" }
func (NodeModel) TableName() string      { return "node_models" }
func (Project) TableName() string        { return "projects" }
func (MappingSpec) TableName() string    { return "node_profiles" }
func (Node) TableName() string           { return "nodes" }
func (Sensor) TableName() string         { return "sensors" }
func (SensorChannel) TableName() string  { return "sensor_channels" }
func (SensorLog) TableName() string      { return "sensor_logs" }
func (UnpairedDevice) TableName() string { return "unpaired_devices" }

// AllModels lists every persisted model in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Project{},
		&NodeModel{},
		&MappingSpec{},
		&Node{},
		&Sensor{},
		&SensorChannel{},
		&SensorLog{},
		&RawLogEntry{},
		&UnpairedDevice{},
	}
}
