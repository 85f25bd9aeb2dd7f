package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

// ResolutionStatus is the outcome of identity resolution.
type ResolutionStatus string

const (
	Resolved   ResolutionStatus = "resolved"
	Unresolved ResolutionStatus = "unresolved"
	Unpaired   ResolutionStatus = "unpaired"
)

// Resolution ties a raw log entry to a node and its mapping spec.
// Spec is nil when the node has no usable profile.
type Resolution struct {
	Status   ResolutionStatus
	Token    string
	Node     *Node
	Spec     *MappingSpec
	Reason   string
	Unpaired *UnpairedDevice
}

// Cache is the key/value store used for positive node lookups.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Resolver maps raw log entries onto registered nodes.
type Resolver struct {
	store      DataStore
	extractor  *TokenExtractor
	cache      Cache
	cacheTTL   time.Duration
	suggesters []Suggester
	metrics    *infrastructure.Metrics
	logger     *logrus.Logger
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(store DataStore, extractor *TokenExtractor, cache Cache, cfg config.IdentityConfig, metrics *infrastructure.Metrics, logger *logrus.Logger, suggesters ...Suggester) *Resolver {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		store:      store,
		extractor:  extractor,
		cache:      cache,
		cacheTTL:   ttl,
		suggesters: suggesters,
		metrics:    metrics,
		logger:     logger,
	}
}

// Resolve identifies the node behind entry. Unknown hardware ids are recorded
// as unpaired devices. Only storage failures are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, entry *RawLogEntry) (*Resolution, error) {
	return r.resolve(ctx, entry, true)
}

// Identify is Resolve without side effects: unknown devices come back as
// Unpaired with a nil UnpairedDevice.
func (r *Resolver) Identify(ctx context.Context, entry *RawLogEntry) (*Resolution, error) {
	return r.resolve(ctx, entry, false)
}

func (r *Resolver) resolve(ctx context.Context, entry *RawLogEntry, record bool) (*Resolution, error) {
	payload, err := entry.DecodePayload()
	if err != nil {
		return &Resolution{Status: Unresolved, Reason: "undecodable payload"}, nil
	}

	match, err := r.extractor.Extract(ctx, entry.Topic, payload)
	if err != nil {
		reason := "no device token"
		if errors.Is(err, ErrMalformedToken) {
			reason = "malformed device token"
		}
		return &Resolution{Status: Unresolved, Reason: reason}, nil
	}

	node, err := r.lookupNode(ctx, match.Token)
	if errors.Is(err, ErrNodeNotFound) {
		if !record {
			return &Resolution{Status: Unpaired, Token: match.Token}, nil
		}
		dev, err := r.recordUnpaired(ctx, entry, payload, match)
		if err != nil {
			return nil, err
		}
		return &Resolution{Status: Unpaired, Token: match.Token, Unpaired: dev}, nil
	}
	if err != nil {
		return nil, err
	}

	spec, err := r.ResolveSpec(ctx, node)
	if err != nil {
		return nil, err
	}
	return &Resolution{Status: Resolved, Token: match.Token, Node: node, Spec: spec}, nil
}

// ResolveSpec picks the node's explicit enabled profile, then the best
// enabled profile for its model. It returns nil, nil when none applies.
func (r *Resolver) ResolveSpec(ctx context.Context, node *Node) (*MappingSpec, error) {
	if node.NodeProfileID != nil {
		spec, err := r.store.GetMappingSpec(ctx, *node.NodeProfileID)
		switch {
		case err == nil && spec.Enabled:
			return spec, nil
		case err != nil && !errors.Is(err, ErrSpecNotFound):
			return nil, err
		}
	}
	if node.NodeModelID == nil {
		return nil, nil
	}

	spec, err := r.store.FindMappingSpec(ctx, *node.NodeModelID, node.ProjectID)
	if errors.Is(err, ErrSpecNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// InvalidateToken drops a cached lookup.
func (r *Resolver) InvalidateToken(ctx context.Context, token string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, nodeCacheKey(token)); err != nil {
		r.logger.WithError(err).Debug("Failed to invalidate node cache")
	}
}

func nodeCacheKey(token string) string {
	return "node:token:" + strings.ToLower(token)
}

func (r *Resolver) lookupNode(ctx context.Context, token string) (*Node, error) {
	key := nodeCacheKey(token)
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, key); err == nil {
			var node Node
			if err := json.Unmarshal([]byte(cached), &node); err == nil {
				return &node, nil
			}
		} else if !errors.Is(err, infrastructure.ErrCacheMiss) {
			r.logger.WithError(err).Debug("Node cache unavailable")
		}
	}

	node, err := r.store.FindNodeByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(node); err == nil {
			if err := r.cache.Set(ctx, key, string(data), r.cacheTTL); err != nil {
				r.logger.WithError(err).Debug("Failed to cache node")
			}
		}
	}
	return node, nil
}

func (r *Resolver) recordUnpaired(ctx context.Context, entry *RawLogEntry, payload []byte, match *TokenMatch) (*UnpairedDevice, error) {
	sighting := UnpairedSighting{
		HardwareID: match.Token,
		Topic:      entry.Topic,
		Payload:    entry.Payload,
		SeenAt:     entry.ReceivedAt,
	}
	if entry.ID != 0 {
		id := entry.ID
		sighting.RawLogEntryID = &id
	}
	if len(match.ModelIDs) == 1 {
		id := match.ModelIDs[0]
		sighting.CandidateNodeModelID = &id
	}

	existing, err := r.store.FindUnpairedByHardwareID(ctx, match.Token)
	if err != nil && !errors.Is(err, ErrUnpairedNotFound) {
		return nil, err
	}
	if existing == nil || existing.SuggestedProjectID == nil {
		if s := r.suggest(ctx, SuggestInput{HardwareID: match.Token, Topic: entry.Topic, Payload: payload}); s != nil {
			sighting.SuggestedProjectID = s.ProjectID
			sighting.SuggestedOwnerID = s.OwnerID
		}
	}

	dev, err := r.store.UpsertUnpairedDevice(ctx, sighting)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordUnpaired()
	r.logger.WithFields(logrus.Fields{
		"hardware_id": dev.HardwareID,
		"seen_count":  dev.SeenCount,
		"status":      dev.Status,
	}).Debug("Unpaired device seen")
	return dev, nil
}

func (r *Resolver) suggest(ctx context.Context, in SuggestInput) *Suggestion {
	for _, s := range r.suggesters {
		sug, err := s.Suggest(ctx, in)
		if err != nil {
			r.logger.WithError(err).WithField("hardware_id", in.HardwareID).Debug("Pairing suggestion failed")
			continue
		}
		if sug != nil && sug.ProjectID != nil {
			return sug
		}
	}
	return nil
}
