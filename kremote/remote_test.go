package kremote

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kstorm"
	"github.com/birdayz/kstorm/kdag"
	"github.com/birdayz/kstorm/kprocessor"
	"github.com/birdayz/kstorm/krecord"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error

	// hold, if set, is called before a record is acknowledged.
	hold func(r *kgo.Record)
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	if p.hold != nil {
		for _, r := range rs {
			p.hold(r)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if p.err == nil {
			p.records = append(p.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return out
}

func (p *fakeProducer) decoded(t *testing.T) []any {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, r := range p.records {
		v, err := Decode(r)
		assert.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func wordGraph(t *testing.T) *kdag.Graph {
	t.Helper()
	b := kdag.NewBuilder()
	b.MustSetSource("sentences", kprocessor.FromSlice(krecord.Of(krecord.Fields{"sentence": "a b"})), 1,
		kdag.DeclareFields("sentence"))
	b.MustSetStage("split", kprocessor.Map(func(r krecord.Record) krecord.Record { return r }), 2,
		kdag.DeclareFields("word"))
	b.MustSetStage("count", kprocessor.ForEach(func(krecord.Record) {}), 3)
	b.ShuffleGrouping("sentences", "split")
	b.FieldsGrouping("split", "count", "word")
	return b.MustBuild()
}

func TestSubmit(t *testing.T) {
	p := &fakeProducer{}
	c := New(p, WithTopic("control"))

	cfg := kstorm.DefaultConfig()
	cfg.Debug = true
	h, err := c.Submit(t.Context(), "wc", cfg, wordGraph(t))
	assert.NoError(t, err)
	assert.Equal(t, "wc", h.Name)
	assert.NotZero(t, h.ID)

	assert.Equal(t, 1, len(p.records))
	rec := p.records[0]
	assert.Equal(t, "control", rec.Topic)
	assert.Equal(t, "wc", string(rec.Key))

	cmds := p.decoded(t)
	submit, ok := cmds[0].(*SubmitCommand)
	assert.True(t, ok)
	assert.Equal(t, h.ID, submit.RunID)
	assert.Equal(t, []NodeSpec{
		{ID: "sentences", Kind: "Source", Parallelism: 1, Streams: map[string][]string{"default": {"sentence"}}},
		{ID: "split", Kind: "Stage", Parallelism: 2, Streams: map[string][]string{"default": {"word"}}},
		{ID: "count", Kind: "Stage", Parallelism: 3},
	}, submit.Nodes)
	assert.Equal(t, []EdgeSpec{
		{From: "sentences", Stream: "default", To: "split", Grouping: "shuffle"},
		{From: "split", Stream: "default", To: "count", Grouping: "fields(word)", Fields: []string{"word"}},
	}, submit.Edges)

	t.Run("config survives the wire", func(t *testing.T) {
		got, err := kstorm.ConfigFromMap(submit.Config)
		assert.NoError(t, err)
		want := cfg.WithDefaults()
		want.Name = "wc"
		assert.Equal(t, want, got)
	})
}

func TestSubmitErrors(t *testing.T) {
	t.Run("invalid graph publishes nothing", func(t *testing.T) {
		p := &fakeProducer{}
		c := New(p)

		g := kdag.NewGraph()
		g.AddEdge(kdag.Edge{From: "nowhere", To: "nobody"})
		_, err := c.Submit(t.Context(), "bad", kstorm.DefaultConfig(), g)
		assert.IsError(t, err, kdag.ErrInvalidTopology)
		assert.Equal(t, 0, len(p.records))
	})

	t.Run("duplicate name", func(t *testing.T) {
		c := New(&fakeProducer{})
		_, err := c.Submit(t.Context(), "wc", kstorm.DefaultConfig(), wordGraph(t))
		assert.NoError(t, err)
		_, err = c.Submit(t.Context(), "wc", kstorm.DefaultConfig(), wordGraph(t))
		assert.IsError(t, err, kstorm.ErrTopologyExists)
	})

	t.Run("broker failure is a lifecycle error", func(t *testing.T) {
		boom := errors.New("broker down")
		p := &fakeProducer{err: boom}
		c := New(p)
		_, err := c.Submit(t.Context(), "wc", kstorm.DefaultConfig(), wordGraph(t))
		assert.IsError(t, err, boom)

		var lerr *kstorm.LifecycleError
		assert.True(t, errors.As(err, &lerr))
		assert.Equal(t, "submit", lerr.Op)

		p.err = nil
		_, err = c.Submit(t.Context(), "wc", kstorm.DefaultConfig(), wordGraph(t))
		assert.NoError(t, err)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := New(&fakeProducer{}).Submit(t.Context(), "", kstorm.Config{}, wordGraph(t))
		assert.IsError(t, err, kstorm.ErrInvalidConfig)
	})
}

func TestKill(t *testing.T) {
	p := &fakeProducer{}
	c := New(p)

	cfg := kstorm.DefaultConfig()
	cfg.Shutdown = kstorm.ShutdownImmediate
	h, err := c.Submit(t.Context(), "wc", cfg, wordGraph(t))
	assert.NoError(t, err)

	t.Run("failed publish keeps the run", func(t *testing.T) {
		p.err = errors.New("broker down")
		assert.Error(t, c.Kill(t.Context(), h))
		p.err = nil
	})

	assert.NoError(t, c.KillByName(t.Context(), "wc"))

	cmds := p.decoded(t)
	assert.Equal(t, 2, len(cmds))
	kill, ok := cmds[1].(*KillCommand)
	assert.True(t, ok)
	assert.Equal(t, h.ID, kill.RunID)
	assert.Equal(t, "immediate", kill.Mode)

	assert.IsError(t, c.Kill(t.Context(), h), kstorm.ErrUnknownRun)
	assert.IsError(t, c.KillByName(t.Context(), "wc"), kstorm.ErrUnknownRun)

	t.Run("name can be reused", func(t *testing.T) {
		_, err := c.Submit(t.Context(), "wc", cfg, wordGraph(t))
		assert.NoError(t, err)
	})
}

func TestSubmitDoesNotSerializeOnBroker(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProducer{hold: func(r *kgo.Record) {
		if string(r.Key) == "slow" {
			close(entered)
			<-release
		}
	}}
	c := New(p)

	g := wordGraph(t)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "slow", kstorm.DefaultConfig(), g)
		errc <- err
	}()
	<-entered

	// Another topology goes through while "slow" waits for its ack.
	fast, err := c.Submit(t.Context(), "fast", kstorm.DefaultConfig(), wordGraph(t))
	assert.NoError(t, err)
	assert.NoError(t, c.Kill(t.Context(), fast))

	// The pending name stays reserved and cannot be killed yet.
	_, err = c.Submit(t.Context(), "slow", kstorm.DefaultConfig(), wordGraph(t))
	assert.IsError(t, err, kstorm.ErrTopologyExists)
	assert.IsError(t, c.KillByName(t.Context(), "slow"), kstorm.ErrUnknownRun)

	close(release)
	assert.NoError(t, <-errc)
	assert.NoError(t, c.KillByName(t.Context(), "slow"))
}

func TestDecodeUnknown(t *testing.T) {
	_, err := Decode(&kgo.Record{Value: []byte("{}")})
	assert.IsError(t, err, ErrUnknownCommand)

	_, err = Decode(&kgo.Record{
		Value:   []byte("not json"),
		Headers: []kgo.RecordHeader{{Key: HeaderKind, Value: []byte(KindKill)}},
	})
	assert.Error(t, err)
}
