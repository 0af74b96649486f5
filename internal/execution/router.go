package execution

import (
	"context"
	"errors"

	"github.com/birdayz/kstorm/kgroup"
	"github.com/birdayz/kstorm/krecord"
)

// route delivers one stream of a producer to the instances of one subscriber.
type route struct {
	target    string
	grouping  kgroup.Grouping
	queues    []*Queue
	instances []int
}

// Router forwards the records of one producer node to its subscribers. It is
// shared by all instances of the producer and is read-only after construction.
type Router struct {
	routes map[string][]route
}

func newRouter() *Router {
	return &Router{routes: make(map[string][]route)}
}

func (r *Router) add(stream, target string, g kgroup.Grouping, queues []*Queue) {
	instances := make([]int, len(queues))
	for i := range instances {
		instances[i] = i
	}
	r.routes[stream] = append(r.routes[stream], route{
		target:    target,
		grouping:  g,
		queues:    queues,
		instances: instances,
	})
}

// Route delivers rec to every subscriber of its stream. A stream without
// subscribers swallows the record. It returns the number of enqueued copies
// and how many records the groupings failed to route.
//
// Only ctx cancellation is returned as an error; a stopped target is counted
// as a discard on that target.
func (r *Router) Route(ctx context.Context, rec krecord.Record) (delivered, unrouted int, err error) {
	for _, rt := range r.routes[rec.Stream()] {
		selected := rt.grouping.Select(rec, rt.instances)
		routed := false
		for _, i := range selected {
			if i < 0 || i >= len(rt.queues) {
				continue
			}
			routed = true
			q := rt.queues[i]
			switch putErr := q.Put(ctx, rec); {
			case putErr == nil:
				delivered++
			case errors.Is(putErr, ErrQueueClosed):
				q.drop(ReasonDiscarded, 1)
			default:
				q.drop(ReasonDiscarded, 1)
				return delivered, unrouted, putErr
			}
		}
		if !routed {
			unrouted++
		}
	}
	return delivered, unrouted, nil
}

// Subscribers returns the number of routes for a stream.
func (r *Router) Subscribers(stream string) int {
	return len(r.routes[stream])
}
