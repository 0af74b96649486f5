package kremote

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

// EnsureControlTopic creates topic with a single partition, so commands for
// one topology stay ordered. An existing topic is left alone.
func EnsureControlTopic(ctx context.Context, adm *kadm.Client, topic string, replicationFactor int16) error {
	resp, err := adm.CreateTopics(ctx, 1, replicationFactor, nil, topic)
	if err != nil {
		return fmt.Errorf("kremote: create control topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kremote: create control topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}
