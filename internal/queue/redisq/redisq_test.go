package redisq_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"conveyor/internal/queue"
	"conveyor/internal/queue/queuetest"
	"conveyor/internal/queue/redisq"
	"conveyor/internal/testsupport"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return srv, client
}

func TestRedisQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, now func() time.Time) queue.Queue {
		_, client := newClient(t)
		return redisq.New(client, redisq.WithClock(now), redisq.WithKeyPrefix("test"))
	})
}

func TestKeyPrefixIsolatesDeployments(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	clock := testsupport.NewClock(time.Time{})

	blue := redisq.New(client, redisq.WithClock(clock.Now), redisq.WithKeyPrefix("blue"))
	green := redisq.New(client, redisq.WithClock(clock.Now), redisq.WithKeyPrefix("green"))
	for _, q := range []*redisq.Queue{blue, green} {
		if err := q.EnsureQueue(ctx, "draft"); err != nil {
			t.Fatalf("EnsureQueue: %v", err)
		}
	}
	if _, err := blue.Enqueue(ctx, "draft", queue.Body{JobID: "j", Stage: "draft"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msgs, err := green.Dequeue(ctx, "draft", 30, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("prefix leak: %+v", msgs)
	}
}

func TestOpenFailsWithoutServer(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	addr := srv.Addr()
	srv.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Queue.RedisAddr = addr
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := redisq.Open(ctx, cfg); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestOpenUsesConfiguredPrefix(t *testing.T) {
	srv, _ := newClient(t)
	cfg := testsupport.NewConfig(t)
	cfg.Queue.RedisAddr = srv.Addr()
	cfg.Queue.RedisKeyPrefix = "acme"

	q, err := redisq.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()
	if err := q.EnsureQueue(context.Background(), "qa"); err != nil {
		t.Fatalf("EnsureQueue: %v", err)
	}
	ok, err := srv.SIsMember("acme:queues", "qa")
	if err != nil || !ok {
		t.Fatalf("expected registry under configured prefix (ok=%v err=%v)", ok, err)
	}
}
