// Package telemetry publishes ephemeral, best-effort gauges about a
// dispatcher's live and in-flight task counts to Redis so an operator
// dashboard can watch concurrency-cap pressure across instances
// without the dispatcher itself ever persisting pending-task state.
// Nothing written here is durable or authoritative: it is refreshed
// continuously and expires on its own if a dispatcher stops updating
// it, the same non-authoritative role a worker-registry heartbeat key
// plays.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sink is the interface the dispatcher core depends on, kept narrow so
// tests can supply an in-memory fake instead of a real Redis client.
type Sink interface {
	SetInFlight(dispatcherName string, count int)
	SetLive(dispatcherName string, count int)
}

// gaugeTTL bounds how long a gauge survives without being refreshed,
// so a crashed dispatcher's last-reported numbers do not linger
// forever.
const gaugeTTL = 30 * time.Second

// RedisSink implements Sink against a redis.Client, constructed the
// same way a worker registry builds its own client: one shared
// connection handed in by the caller rather than dialed internally.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink wraps an existing client. prefix namespaces the keys,
// e.g. "chainseq:telemetry".
func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "chainseq:telemetry"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) inFlightKey(name string) string { return fmt.Sprintf("%s:%s:inflight", s.prefix, name) }
func (s *RedisSink) liveKey(name string) string     { return fmt.Sprintf("%s:%s:live", s.prefix, name) }

func (s *RedisSink) SetInFlight(dispatcherName string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.client.Set(ctx, s.inFlightKey(dispatcherName), count, gaugeTTL)
}

func (s *RedisSink) SetLive(dispatcherName string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.client.Set(ctx, s.liveKey(dispatcherName), count, gaugeTTL)
}

// Snapshot reads back the current gauges for a dispatcher name, used
// by the admin API's monitoring endpoint. Missing keys read as zero.
func (s *RedisSink) Snapshot(ctx context.Context, dispatcherName string) (inFlight, live int, err error) {
	inFlight, err = s.client.Get(ctx, s.inFlightKey(dispatcherName)).Int()
	if err == redis.Nil {
		inFlight, err = 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	live, err = s.client.Get(ctx, s.liveKey(dispatcherName)).Int()
	if err == redis.Nil {
		live, err = 0, nil
	}
	return inFlight, live, err
}
