package turnstile

import (
	"context"
	"sort"
	"time"
)

type (
	// TraceNode is one envelope in a correlation tree. Children are the
	// envelopes whose causation id points at this one
	TraceNode struct {
		ID         ID           `json:"id"`
		Type       EventType    `json:"type"`
		Aggregate  string       `json:"aggregate"`
		Version    int64        `json:"version"`
		OccurredAt time.Time    `json:"occurred_at"`
		Actor      Actor        `json:"actor"`
		Children   []*TraceNode `json:"children"`
	}

	// TraceCoverage summarizes how much of the ledger a correlation tree
	// spans
	TraceCoverage struct {
		TotalEvents int `json:"total_events"`
		Aggregates  int `json:"aggregates"`
	}

	// CorrelationTree groups every envelope stemming from one originating
	// trigger. Envelopes nest under the envelope that caused the command
	// which produced them; envelopes with no causing envelope in the group
	// sit at the root level in chronological order
	CorrelationTree struct {
		RootCorrelationID ID            `json:"root_correlation_id"`
		Nodes             []*TraceNode  `json:"nodes"`
		Coverage          TraceCoverage `json:"coverage"`
	}
)

// CorrelationTree builds the causal trace for a correlation id from the
// ledger. It is a read-only projection, assembled on demand
func (t *Turnstile) CorrelationTree(
	ctx context.Context, correlationID ID,
) (*CorrelationTree, error) {
	envs, err := t.ledger.GetByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return NewCorrelationTree(correlationID, envs), nil
}

// NewCorrelationTree assembles a correlation tree from envelopes already
// fetched. Causal nesting follows causation ids: an envelope whose
// causation id names another envelope in the group becomes its child
func NewCorrelationTree(
	correlationID ID, envs []*Envelope,
) *CorrelationTree {
	nodes := make(map[ID]*TraceNode, len(envs))
	aggregates := map[string]bool{}

	for _, env := range envs {
		nodes[env.ID] = &TraceNode{
			ID:         env.ID,
			Type:       env.Type,
			Aggregate:  env.Ref(),
			Version:    env.Version,
			OccurredAt: env.Meta.OccurredAt,
			Actor:      env.Meta.Actor,
			Children:   []*TraceNode{},
		}
		aggregates[env.Ref()] = true
	}

	var roots []*TraceNode
	for _, env := range envs {
		node := nodes[env.ID]
		if parent, ok := nodes[env.Meta.CausationID]; ok && parent != node {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}

	sortNodes(roots)
	for _, node := range nodes {
		sortNodes(node.Children)
	}

	return &CorrelationTree{
		RootCorrelationID: correlationID,
		Nodes:             roots,
		Coverage: TraceCoverage{
			TotalEvents: len(envs),
			Aggregates:  len(aggregates),
		},
	}
}

func sortNodes(nodes []*TraceNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].OccurredAt.Equal(nodes[j].OccurredAt) {
			return nodes[i].Version < nodes[j].Version
		}
		return nodes[i].OccurredAt.Before(nodes[j].OccurredAt)
	})
}
