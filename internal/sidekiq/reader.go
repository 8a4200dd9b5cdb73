// Package sidekiq reads the state Sidekiq keeps in Redis and renders it as a
// status report.
package sidekiq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Report limits for the dead and retry listings.
const (
	DeadLimit  = 10
	RetryLimit = 5
)

// millisThreshold separates epoch seconds from the epoch milliseconds used by
// Sidekiq 8.
const millisThreshold = 1e12

// Redis is the subset of *redis.Client the reader needs.
type Redis interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LIndex(ctx context.Context, key string, index int64) *redis.StringCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// Stats are the totals shown in the report header.
type Stats struct {
	Processed int64
	Failed    int64
	Enqueued  int64
	Scheduled int64
	Retries   int64
	Dead      int64
	Workers   int64
}

// Queue is one named queue.
type Queue struct {
	Name    string
	Size    int64
	Latency float64 // seconds since the oldest job was enqueued
}

// Job is an entry of the dead or retry set.
type Job struct {
	Class        string
	Args         json.RawMessage
	ErrorClass   string
	ErrorMessage string
	FailedAt     time.Time
	RetryCount   json.RawMessage
	Retry        json.RawMessage
	At           time.Time // sorted set score: death time or next retry
}

// JobSet is a sorted set with its total size and the newest entries.
type JobSet struct {
	Size int64
	Jobs []Job
}

// Snapshot is everything the report shows.
type Snapshot struct {
	Stats   Stats
	Queues  []Queue
	Dead    JobSet
	Retries JobSet
}

// Reader loads snapshots from Redis.
type Reader struct {
	rdb       Redis
	namespace string
	now       func() time.Time
}

// NewReader returns a Reader. namespace is the redis-namespace prefix used by
// the application, if any.
func NewReader(rdb Redis, namespace string) *Reader {
	return &Reader{rdb: rdb, namespace: namespace, now: time.Now}
}

// NewClient connects to redisURL.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Snapshot reads the current state.
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.Stats.Processed, err = r.counter(ctx, "stat:processed"); err != nil {
		return nil, err
	}
	if snap.Stats.Failed, err = r.counter(ctx, "stat:failed"); err != nil {
		return nil, err
	}

	if snap.Queues, err = r.queues(ctx); err != nil {
		return nil, err
	}
	for _, q := range snap.Queues {
		snap.Stats.Enqueued += q.Size
	}

	if snap.Stats.Scheduled, err = r.rdb.ZCard(ctx, r.key("schedule")).Result(); err != nil {
		return nil, fmt.Errorf("failed to read schedule size: %w", err)
	}
	if snap.Stats.Workers, err = r.workers(ctx); err != nil {
		return nil, err
	}

	if snap.Dead, err = r.jobSet(ctx, "dead", DeadLimit); err != nil {
		return nil, err
	}
	if snap.Retries, err = r.jobSet(ctx, "retry", RetryLimit); err != nil {
		return nil, err
	}
	snap.Stats.Dead = snap.Dead.Size
	snap.Stats.Retries = snap.Retries.Size

	return &snap, nil
}

func (r *Reader) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

func (r *Reader) counter(ctx context.Context, key string) (int64, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (r *Reader) queues(ctx context.Context) ([]Queue, error) {
	names, err := r.rdb.SMembers(ctx, r.key("queues")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	sort.Strings(names)

	queues := make([]Queue, 0, len(names))
	for _, name := range names {
		key := r.key("queue:" + name)
		size, err := r.rdb.LLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read queue %s: %w", name, err)
		}
		latency, err := r.latency(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read queue %s latency: %w", name, err)
		}
		queues = append(queues, Queue{Name: name, Size: size, Latency: latency})
	}
	return queues, nil
}

// latency is the age of the oldest job, which sits at the list's tail.
func (r *Reader) latency(ctx context.Context, key string) (float64, error) {
	raw, err := r.rdb.LIndex(ctx, key, -1).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var job struct {
		EnqueuedAt float64 `json:"enqueued_at"`
	}
	if err := json.Unmarshal([]byte(raw), &job); err != nil || job.EnqueuedAt == 0 {
		return 0, nil
	}

	enqueued := epoch(job.EnqueuedAt)
	return r.now().Sub(enqueued).Seconds(), nil
}

func (r *Reader) workers(ctx context.Context) (int64, error) {
	procs, err := r.rdb.SMembers(ctx, r.key("processes")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	var busy int64
	for _, p := range procs {
		n, err := r.rdb.HGet(ctx, r.key(p), "busy").Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read process %s: %w", p, err)
		}
		busy += n
	}
	return busy, nil
}

func (r *Reader) jobSet(ctx context.Context, name string, limit int64) (JobSet, error) {
	key := r.key(name)
	size, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return JobSet{}, fmt.Errorf("failed to read %s size: %w", name, err)
	}
	if size == 0 {
		return JobSet{}, nil
	}

	entries, err := r.rdb.ZRevRangeWithScores(ctx, key, 0, limit-1).Result()
	if err != nil {
		return JobSet{}, fmt.Errorf("failed to read %s set: %w", name, err)
	}

	set := JobSet{Size: size, Jobs: make([]Job, 0, len(entries))}
	for _, e := range entries {
		member, _ := e.Member.(string)
		job := parseJob(member)
		job.At = epoch(e.Score)
		set.Jobs = append(set.Jobs, job)
	}
	return set, nil
}

type jobPayload struct {
	Class        string          `json:"class"`
	Wrapped      string          `json:"wrapped"`
	Args         json.RawMessage `json:"args"`
	ErrorClass   string          `json:"error_class"`
	ErrorMessage string          `json:"error_message"`
	FailedAt     float64         `json:"failed_at"`
	RetryCount   json.RawMessage `json:"retry_count"`
	Retry        json.RawMessage `json:"retry"`
}

// parseJob decodes a job payload. Undecodable payloads yield a job with no
// fields set so the entry is still listed.
func parseJob(raw string) Job {
	var p jobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Job{}
	}

	job := Job{
		Class:        p.Class,
		Args:         p.Args,
		ErrorClass:   p.ErrorClass,
		ErrorMessage: p.ErrorMessage,
		RetryCount:   p.RetryCount,
		Retry:        p.Retry,
	}
	// ActiveJob wraps the job class in JobWrapper.
	if p.Wrapped != "" {
		job.Class = p.Wrapped
	}
	if p.FailedAt != 0 {
		job.FailedAt = epoch(p.FailedAt)
	}
	return job
}

// epoch converts a Sidekiq timestamp in seconds or milliseconds.
func epoch(v float64) time.Time {
	if v > millisThreshold {
		return time.UnixMilli(int64(v))
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// formatRaw renders a raw JSON scalar the way Ruby prints it.
func formatRaw(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	if s, err := strconv.Unquote(string(v)); err == nil {
		return s
	}
	return string(v)
}
