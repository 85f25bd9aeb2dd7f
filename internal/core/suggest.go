package core

import (
	"context"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// SuggestInput is what a Suggester sees about an unknown device.
type SuggestInput struct {
	HardwareID string
	Topic      string
	Payload    []byte
}

// Suggestion is a likely project and owner for an unpaired device.
type Suggestion struct {
	ProjectID *uint
	OwnerID   *uint
}

// Suggester guesses where an unpaired device belongs. A nil suggestion means
// no opinion.
type Suggester interface {
	Suggest(ctx context.Context, in SuggestInput) (*Suggestion, error)
}

// GatewaySuggester follows the gateway id in the payload to a known node and
// suggests that node's project.
type GatewaySuggester struct {
	store DataStore
	path  string
}

func NewGatewaySuggester(store DataStore, path string) *GatewaySuggester {
	return &GatewaySuggester{store: store, path: path}
}

func (g *GatewaySuggester) Suggest(ctx context.Context, in SuggestInput) (*Suggestion, error) {
	if g.path == "" || !gjson.ValidBytes(in.Payload) {
		return nil, nil
	}
	gateway := strings.TrimSpace(gjson.GetBytes(in.Payload, g.path).String())
	if gateway == "" || strings.EqualFold(gateway, in.HardwareID) {
		return nil, nil
	}

	nodes, err := g.store.FindNodesByGateway(ctx, gateway)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return suggestFromProject(ctx, g.store, nodes[0].ProjectID)
}

// TopicNamespaceSuggester looks at recent traffic under the same topic
// namespace and suggests the project of the first known node found there.
type TopicNamespaceSuggester struct {
	rawlogs *RawLogStore
	store   DataStore
	depth   int
	limit   int
}

func NewTopicNamespaceSuggester(rawlogs *RawLogStore, store DataStore, depth, limit int) *TopicNamespaceSuggester {
	if depth <= 0 {
		depth = 1
	}
	if limit <= 0 {
		limit = 50
	}
	return &TopicNamespaceSuggester{rawlogs: rawlogs, store: store, depth: depth, limit: limit}
}

func (t *TopicNamespaceSuggester) Suggest(ctx context.Context, in SuggestInput) (*Suggestion, error) {
	prefix := TopicNamespace(in.Topic, t.depth)
	if prefix == "" {
		return nil, nil
	}

	tokens, err := t.rawlogs.RecentTokensUnderPrefix(ctx, prefix, in.HardwareID, t.limit)
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		node, err := t.store.FindNodeByToken(ctx, token)
		if errors.Is(err, ErrNodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return suggestFromProject(ctx, t.store, node.ProjectID)
	}
	return nil, nil
}

// TopicNamespace returns the first depth segments of topic with a trailing
// slash, or "" when the topic is too short to have a namespace.
func TopicNamespace(topic string, depth int) string {
	segments := strings.Split(strings.Trim(topic, "/"), "/")
	if depth <= 0 || len(segments) <= depth {
		return ""
	}
	return strings.Join(segments[:depth], "/") + "/"
}

func suggestFromProject(ctx context.Context, store DataStore, projectID uint) (*Suggestion, error) {
	project, err := store.GetProject(ctx, projectID)
	if errors.Is(err, ErrProjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pid, owner := project.ID, project.OwnerID
	return &Suggestion{ProjectID: &pid, OwnerID: &owner}, nil
}
