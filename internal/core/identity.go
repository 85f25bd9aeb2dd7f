package core

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/ingest/config"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Token extraction strategies.
const (
	StrategyPayload          = "payload"
	StrategyTopic            = "topic"
	StrategyPayloadThenTopic = "payload_then_topic"
	StrategyTopicThenPayload = "topic_then_payload"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9:._-]{1,128}$`)

// TokenMatch is a device token found in a message.
type TokenMatch struct {
	Token  string
	Source string // "payload" or "topic"
	Path   string
	// ModelIDs are the node models whose profiles declare Path as their
	// device id path.
	ModelIDs []uint
}

// TokenExtractor pulls device tokens out of raw messages.
type TokenExtractor struct {
	strategy     string
	paths        []string
	topicSegment int
	refresh      time.Duration
	store        DataStore
	logger       *logrus.Logger

	mu        sync.RWMutex
	specPaths []string
	pathModel map[string][]uint
	loadedAt  time.Time
}

// NewTokenExtractor builds an extractor. store may be nil, in which case only
// the configured payload paths are used.
func NewTokenExtractor(cfg config.IdentityConfig, store DataStore, logger *logrus.Logger) *TokenExtractor {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyPayloadThenTopic
	}
	refresh := cfg.SpecPathRefresh
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &TokenExtractor{
		strategy:     strategy,
		paths:        cfg.PayloadPaths,
		topicSegment: cfg.TopicSegment,
		refresh:      refresh,
		store:        store,
		logger:       logger,
		pathModel:    make(map[string][]uint),
	}
}

// Extract returns the device token for a message. It returns ErrNoToken when
// nothing was found and ErrMalformedToken when only invalid values were.
func (e *TokenExtractor) Extract(ctx context.Context, topic string, payload []byte) (*TokenMatch, error) {
	var order []func() (*TokenMatch, bool)
	fromPayload := func() (*TokenMatch, bool) { return e.fromPayload(ctx, payload) }
	fromTopic := func() (*TokenMatch, bool) { return e.fromTopic(topic) }

	switch e.strategy {
	case StrategyPayload:
		order = append(order, fromPayload)
	case StrategyTopic:
		order = append(order, fromTopic)
	case StrategyTopicThenPayload:
		order = append(order, fromTopic, fromPayload)
	default:
		order = append(order, fromPayload, fromTopic)
	}

	malformed := false
	for _, try := range order {
		match, found := try()
		if match != nil {
			return match, nil
		}
		if found {
			malformed = true
		}
	}
	if malformed {
		return nil, ErrMalformedToken
	}
	return nil, ErrNoToken
}

// NormalizeHardwareID folds a device token to the form unpaired devices are
// keyed by. Node lookup ignores case, so unpaired records do too.
func NormalizeHardwareID(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// ValidToken reports whether s is an acceptable device token.
func ValidToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// fromPayload returns a valid match, or found=true when a value was present
// but malformed.
func (e *TokenExtractor) fromPayload(ctx context.Context, payload []byte) (*TokenMatch, bool) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return nil, false
	}

	found := false
	for _, path := range e.payloadPaths(ctx) {
		res := gjson.GetBytes(payload, path)
		var token string
		switch res.Type {
		case gjson.String:
			token = strings.TrimSpace(res.Str)
		case gjson.Number:
			token = res.Raw
		default:
			continue
		}
		if token == "" {
			continue
		}
		found = true
		if !ValidToken(token) {
			continue
		}
		return &TokenMatch{Token: token, Source: StrategyPayload, Path: path, ModelIDs: e.modelsFor(path)}, true
	}
	return nil, found
}

func (e *TokenExtractor) fromTopic(topic string) (*TokenMatch, bool) {
	segments := strings.Split(strings.Trim(topic, "/"), "/")
	idx := e.topicSegment
	if idx < 0 {
		idx = len(segments) + idx
	}
	if idx < 0 || idx >= len(segments) {
		return nil, false
	}
	token := segments[idx]
	if token == "" || token == "+" || token == "#" {
		return nil, false
	}
	if !ValidToken(token) {
		return nil, true
	}
	return &TokenMatch{Token: token, Source: StrategyTopic, Path: "segment:" + strconv.Itoa(e.topicSegment)}, true
}

// payloadPaths returns configured paths followed by profile paths.
func (e *TokenExtractor) payloadPaths(ctx context.Context) []string {
	e.refreshSpecPaths(ctx)

	e.mu.RLock()
	defer e.mu.RUnlock()
	paths := make([]string, 0, len(e.paths)+len(e.specPaths))
	seen := make(map[string]struct{}, cap(paths))
	for _, p := range append(append([]string{}, e.paths...), e.specPaths...) {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	return paths
}

func (e *TokenExtractor) modelsFor(path string) []uint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]uint(nil), e.pathModel[path]...)
}

func (e *TokenExtractor) refreshSpecPaths(ctx context.Context) {
	if e.store == nil {
		return
	}
	e.mu.RLock()
	fresh := !e.loadedAt.IsZero() && time.Since(e.loadedAt) < e.refresh
	e.mu.RUnlock()
	if fresh {
		return
	}

	specs, err := e.store.ListEnabledMappingSpecs(ctx)
	if err != nil {
		if e.logger != nil {
			e.logger.WithError(err).Warn("Failed to refresh profile device id paths")
		}
		return
	}
	e.SetSpecs(specs)
}

// SetSpecs replaces the profile-derived paths. Specs are taken in id order.
func (e *TokenExtractor) SetSpecs(specs []*MappingSpec) {
	sorted := append([]*MappingSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var paths []string
	pathModel := make(map[string][]uint)
	for _, s := range sorted {
		if !s.Enabled {
			continue
		}
		path := s.Mapping.Data().DeviceIDPath
		if path == "" {
			continue
		}
		if _, ok := pathModel[path]; !ok {
			paths = append(paths, path)
		}
		if !containsUint(pathModel[path], s.NodeModelID) {
			pathModel[path] = append(pathModel[path], s.NodeModelID)
		}
	}

	e.mu.Lock()
	e.specPaths = paths
	e.pathModel = pathModel
	e.loadedAt = time.Now()
	e.mu.Unlock()
}

func containsUint(xs []uint, v uint) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
