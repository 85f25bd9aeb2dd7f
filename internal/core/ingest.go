package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

// Ingestor appends inbound transport messages to the raw log. It never maps
// payloads; that is the processor's job.
type Ingestor struct {
	rawlogs   *RawLogStore
	extractor *TokenExtractor
	spool     *infrastructure.Spool
	metrics   *infrastructure.Metrics
	logger    *logrus.Logger
}

// NewIngestor creates an ingestor. spool may be nil, in which case failed
// appends are returned to the transport.
func NewIngestor(rawlogs *RawLogStore, extractor *TokenExtractor, spool *infrastructure.Spool, metrics *infrastructure.Metrics, logger *logrus.Logger) *Ingestor {
	return &Ingestor{
		rawlogs:   rawlogs,
		extractor: extractor,
		spool:     spool,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleMessage is the MQTT message handler.
func (i *Ingestor) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	_, err := i.Ingest(ctx, SourceMQTT, topic, payload, time.Now())
	return err
}

// Handler returns a message handler tagging entries with source.
func (i *Ingestor) Handler(source string) infrastructure.MessageHandler {
	return func(ctx context.Context, topic string, payload []byte) error {
		_, err := i.Ingest(ctx, source, topic, payload, time.Now())
		return err
	}
}

// Ingest classifies and appends one message. When the raw log is unavailable
// the message goes to the spool instead; the returned id is then 0.
func (i *Ingestor) Ingest(ctx context.Context, source, topic string, payload []byte, receivedAt time.Time) (uint, error) {
	req := AppendRequest{
		Label:      ClassifyTopic(topic),
		Topic:      topic,
		Payload:    payload,
		Source:     source,
		ReceivedAt: receivedAt,
	}
	if i.extractor != nil {
		if match, err := i.extractor.Extract(ctx, topic, payload); err == nil {
			req.DeviceToken = match.Token
		}
	}

	id, err := i.rawlogs.Append(ctx, req)
	if err == nil {
		i.metrics.RecordMessage(source, string(req.Label))
		return id, nil
	}

	log := i.logger.WithError(err).WithFields(logrus.Fields{
		"topic":  topic,
		"source": source,
	})
	if i.spool == nil {
		i.metrics.RecordAppendFailure("none")
		log.Error("Failed to append raw log entry")
		return 0, err
	}

	if serr := i.spool.Write(infrastructure.SpoolRecord{
		Source:     source,
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: receivedAt.UTC(),
	}); serr != nil {
		i.metrics.RecordAppendFailure("none")
		log.WithField("spool_error", serr.Error()).Error("Failed to append raw log entry and to spool it")
		return 0, fmt.Errorf("append failed and spool rejected message: %w", errors.Join(err, serr))
	}

	i.metrics.RecordAppendFailure("spool")
	i.metrics.SetSpoolDepth(i.spool.Len())
	log.Warn("Raw log append failed, message spooled")
	return 0, nil
}

// DrainSpool replays spooled messages into the raw log.
func (i *Ingestor) DrainSpool(ctx context.Context) (infrastructure.ReplayResult, error) {
	if i.spool == nil {
		return infrastructure.ReplayResult{}, nil
	}

	result, err := i.spool.Replay(func(rec infrastructure.SpoolRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		req := AppendRequest{
			Label:      ClassifyTopic(rec.Topic),
			Topic:      rec.Topic,
			Payload:    rec.Payload,
			Source:     rec.Source,
			ReceivedAt: rec.ReceivedAt,
		}
		if i.extractor != nil {
			if match, err := i.extractor.Extract(ctx, rec.Topic, rec.Payload); err == nil {
				req.DeviceToken = match.Token
			}
		}
		_, err := i.rawlogs.Append(ctx, req)
		return err
	})
	i.metrics.RecordSpoolReplay(result.Replayed, result.Dropped)
	i.metrics.SetSpoolDepth(i.spool.Len())
	if err != nil {
		return result, fmt.Errorf("failed to drain spool: %w", err)
	}

	if result.Replayed > 0 || result.Dropped > 0 {
		i.logger.WithFields(logrus.Fields{
			"replayed": result.Replayed,
			"kept":     result.Kept,
			"dropped":  result.Dropped,
		}).Info("Spool drained")
	}
	return result, nil
}

// RunSpoolDrainer drains the spool every interval until ctx is cancelled.
func (i *Ingestor) RunSpoolDrainer(ctx context.Context, interval time.Duration) {
	if i.spool == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if i.spool.Len() == 0 {
				continue
			}
			if _, err := i.DrainSpool(ctx); err != nil {
				i.logger.WithError(err).Warn("Spool drain failed")
			}
		}
	}
}

// SpoolDepth returns the number of messages waiting in the spool.
func (i *Ingestor) SpoolDepth() int {
	if i.spool == nil {
		return 0
	}
	return i.spool.Len()
}
