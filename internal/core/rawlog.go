package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AppendRequest is one inbound message to persist.
type AppendRequest struct {
	Label       Label
	Topic       string
	Payload     []byte
	DeviceToken string
	Source      string
	ReceivedAt  time.Time
}

// RawLogFilter narrows List.
type RawLogFilter struct {
	Processed   *bool
	Label       Label
	TopicPrefix string
	DeviceToken string
	Limit       int
}

// RawLogStore is the durable, append-only record of inbound messages.
type RawLogStore struct {
	db *gorm.DB
}

func NewRawLogStore(db *gorm.DB) *RawLogStore {
	return &RawLogStore{db: db}
}

// Append persists a message and returns its id. Non-JSON payloads are stored
// as a base64 JSON string.
func (s *RawLogStore) Append(ctx context.Context, req AppendRequest) (uint, error) {
	if _, ok := labels[req.Label]; !ok {
		return 0, ErrInvalidLabel
	}

	payload, encoding := EncodePayload(req.Payload)
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	source := req.Source
	if source == "" {
		source = SourceMQTT
	}

	entry := &RawLogEntry{
		Label:           req.Label,
		Topic:           req.Topic,
		Payload:         payload,
		PayloadEncoding: encoding,
		DeviceToken:     req.DeviceToken,
		Source:          source,
		ReceivedAt:      receivedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, &StorageError{Op: "append raw log", Err: err}
	}
	return entry.ID, nil
}

// FetchUnprocessed returns up to limit unprocessed entries, oldest first.
func (s *RawLogStore) FetchUnprocessed(ctx context.Context, limit int) ([]*RawLogEntry, error) {
	var entries []*RawLogEntry
	q := s.db.WithContext(ctx).Where("processed = ?", false).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, &StorageError{Op: "fetch unprocessed", Err: err}
	}
	return entries, nil
}

// MarkProcessed flips processed to true exactly once. A second call returns
// ErrAlreadyProcessed.
func (s *RawLogStore) MarkProcessed(ctx context.Context, id uint, notes string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&RawLogEntry{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{"processed": true, "processed_at": now, "notes": notes})
	if res.Error != nil {
		return &StorageError{Op: "mark processed", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyProcessed
	}
	return nil
}

func (s *RawLogStore) Get(ctx context.Context, id uint) (*RawLogEntry, error) {
	var entry RawLogEntry
	if err := s.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRawLogNotFound
		}
		return nil, &StorageError{Op: "get raw log", Err: err}
	}
	return &entry, nil
}

// List returns entries newest first.
func (s *RawLogStore) List(ctx context.Context, f RawLogFilter) ([]*RawLogEntry, error) {
	var entries []*RawLogEntry
	q := s.db.WithContext(ctx).Order("id DESC")
	if f.Processed != nil {
		q = q.Where("processed = ?", *f.Processed)
	}
	if f.Label != "" {
		q = q.Where("label = ?", f.Label)
	}
	if f.TopicPrefix != "" {
		q = q.Where("topic LIKE ? ESCAPE '\\'", escapeLike(f.TopicPrefix)+"%")
	}
	if f.DeviceToken != "" {
		q = q.Where("device_token = ?", f.DeviceToken)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if err := q.Limit(limit).Find(&entries).Error; err != nil {
		return nil, &StorageError{Op: "list raw logs", Err: err}
	}
	return entries, nil
}

func (s *RawLogStore) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&RawLogEntry{}).Where("processed = ?", false).Count(&n).Error; err != nil {
		return 0, &StorageError{Op: "count unprocessed", Err: err}
	}
	return n, nil
}

// RecentTokensUnderPrefix returns distinct device tokens seen on topics under
// prefix, most recent first, skipping exclude.
func (s *RawLogStore) RecentTokensUnderPrefix(ctx context.Context, prefix, exclude string, limit int) ([]string, error) {
	var rows []struct {
		DeviceToken string
	}
	err := s.db.WithContext(ctx).Model(&RawLogEntry{}).
		Select("device_token, MAX(id) AS last_id").
		Where("topic LIKE ? ESCAPE '\\' AND device_token <> '' AND device_token <> ?", escapeLike(prefix)+"%", exclude).
		Group("device_token").
		Order("last_id DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, &StorageError{Op: "recent tokens", Err: err}
	}

	tokens := make([]string, 0, len(rows))
	for _, r := range rows {
		tokens = append(tokens, r.DeviceToken)
	}
	return tokens, nil
}

// EncodePayload returns payload as a JSON column value. Anything that is not
// valid JSON is wrapped as a base64 string.
func EncodePayload(payload []byte) (datatypes.JSON, string) {
	if len(payload) > 0 && json.Valid(payload) {
		return datatypes.JSON(append([]byte(nil), payload...)), EncodingJSON
	}
	wrapped, _ := json.Marshal(base64.StdEncoding.EncodeToString(payload))
	return datatypes.JSON(wrapped), EncodingBase64
}

// DecodePayload reverses EncodePayload.
func (e *RawLogEntry) DecodePayload() ([]byte, error) {
	if e.PayloadEncoding != EncodingBase64 {
		return []byte(e.Payload), nil
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
