package kremote

import (
	"errors"
	"fmt"
	"time"

	"github.com/birdayz/kstorm/kdag"
	"github.com/birdayz/kstorm/kgroup"
	"github.com/bytedance/sonic"
	"github.com/twmb/franz-go/pkg/kgo"
)

// HeaderKind names the record header carrying the command kind.
const HeaderKind = "kstorm-command"

// Command kinds.
const (
	KindSubmit = "submit"
	KindKill   = "kill"
)

// ErrUnknownCommand is returned by Decode for records without a known kind.
var ErrUnknownCommand = errors.New("kremote: unknown command")

var codec = sonic.ConfigStd

// NodeSpec describes one node of a submitted topology. The orchestrator
// resolves ID to an implementation on its side.
type NodeSpec struct {
	ID          string              `json:"id"`
	Kind        string              `json:"kind"`
	Parallelism int                 `json:"parallelism"`
	Streams     map[string][]string `json:"streams,omitempty"`
}

// EdgeSpec describes one subscription.
type EdgeSpec struct {
	From     string   `json:"from"`
	Stream   string   `json:"stream"`
	To       string   `json:"to"`
	Grouping string   `json:"grouping"`
	Fields   []string `json:"fields,omitempty"`
}

// SubmitCommand asks the orchestrator to start a topology.
type SubmitCommand struct {
	RunID       string         `json:"runId"`
	Name        string         `json:"name"`
	SubmittedAt time.Time      `json:"submittedAt"`
	Config      map[string]any `json:"config"`
	Nodes       []NodeSpec     `json:"nodes"`
	Edges       []EdgeSpec     `json:"edges"`
}

// KillCommand asks the orchestrator to stop a run.
type KillCommand struct {
	RunID       string    `json:"runId"`
	Name        string    `json:"name"`
	Mode        string    `json:"mode"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Describe flattens g into node and edge specs, in node insertion order.
func Describe(g *kdag.Graph) ([]NodeSpec, []EdgeSpec) {
	nodes := make([]NodeSpec, 0, len(g.Nodes))
	for _, id := range g.IDs() {
		n := g.Nodes[id]
		nodes = append(nodes, NodeSpec{
			ID:          string(id),
			Kind:        n.Kind.String(),
			Parallelism: n.Parallelism,
			Streams:     n.Streams,
		})
	}

	edges := make([]EdgeSpec, 0, len(g.Edges))
	for _, e := range g.Edges {
		spec := EdgeSpec{
			From:     string(e.From),
			Stream:   e.StreamName(),
			To:       string(e.To),
			Grouping: kgroup.Describe(e.Grouping),
		}
		if fg, ok := e.Grouping.(kgroup.FieldsGrouping); ok {
			spec.Fields = fg.GroupingFields()
		}
		edges = append(edges, spec)
	}
	return nodes, edges
}

func encode(topic, key, kind string, v any) (*kgo.Record, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kremote: encode %s command: %w", kind, err)
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   b,
		Headers: []kgo.RecordHeader{{Key: HeaderKind, Value: []byte(kind)}},
	}, nil
}

// Decode parses a control record into a *SubmitCommand or *KillCommand.
func Decode(r *kgo.Record) (any, error) {
	var kind string
	for _, h := range r.Headers {
		if h.Key == HeaderKind {
			kind = string(h.Value)
		}
	}

	var v any
	switch kind {
	case KindSubmit:
		v = &SubmitCommand{}
	case KindKill:
		v = &KillCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, kind)
	}
	if err := codec.Unmarshal(r.Value, v); err != nil {
		return nil, fmt.Errorf("kremote: decode %s command: %w", kind, err)
	}
	return v, nil
}
