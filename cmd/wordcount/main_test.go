package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kstorm"
	"github.com/birdayz/kstorm/examples/wordcount"
	"github.com/rs/zerolog"
)

func TestLoggers(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{backend: "tint", want: "Topology submitted"},
		{backend: "zerolog", want: `"message":"Topology submitted"`},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			var buf bytes.Buffer
			logger, localLog, _, err := loggers(zerolog.SyncWriter(&buf), tt.backend, false)
			assert.NoError(t, err)
			assert.NotZero(t, logger)

			cluster := kstorm.MustNewLocalCluster(localLog)
			g, err := wordcount.Topology(wordcount.Sentences("a b"), wordcount.NewHistogram(), wordcount.Parallelism{})
			assert.NoError(t, err)

			h, err := cluster.Submit(context.Background(), "wc", kstorm.Config{}, g)
			assert.NoError(t, err)
			assert.NoError(t, cluster.Kill(context.Background(), h))

			assert.Contains(t, buf.String(), tt.want)
		})
	}

	t.Run("unknown backend", func(t *testing.T) {
		_, _, _, err := loggers(nil, "glog", false)
		assert.Error(t, err)
	})
}
