//go:build integration

package checkpoint

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer starts a Redis container and returns a client
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_MarkAndResume(t *testing.T) {
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	store := NewRedisStore(client, "fundcollect:test:checkpoints")
	ctx := context.Background()

	// Fresh store: everything pending.
	pending, err := store.ListPending(ctx, 5)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("ListPending() = %v, want 5 pending units", pending)
	}

	if err := store.MarkDone(ctx, 1, "unit_0001.json"); err != nil {
		t.Fatalf("MarkDone(1) error = %v", err)
	}
	if err := store.MarkDone(ctx, 3, "unit_0003.json"); err != nil {
		t.Fatalf("MarkDone(3) error = %v", err)
	}

	done, err := store.IsDone(ctx, 1)
	if err != nil {
		t.Fatalf("IsDone(1) error = %v", err)
	}
	if !done {
		t.Error("IsDone(1) = false after MarkDone")
	}

	// A second store on the same key sees the same state, like a process
	// restart would.
	resumed := NewRedisStore(client, "fundcollect:test:checkpoints")
	pending, err = resumed.ListPending(ctx, 5)
	if err != nil {
		t.Fatalf("ListPending() after reopen error = %v", err)
	}
	want := []int{0, 2, 4}
	if len(pending) != len(want) {
		t.Fatalf("ListPending() after reopen = %v, want %v", pending, want)
	}
	for i, idx := range want {
		if pending[i] != idx {
			t.Errorf("pending[%d] = %d, want %d", i, pending[i], idx)
		}
	}

	rec, err := resumed.Get(ctx, 3)
	if err != nil {
		t.Fatalf("Get(3) error = %v", err)
	}
	if rec.Status != StatusDone || rec.PayloadRef != "unit_0003.json" {
		t.Errorf("Get(3) = %+v, want done with payload ref", rec)
	}
}

func TestRedisStore_Integration_Reset(t *testing.T) {
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	store := NewRedisStore(client, "fundcollect:test:reset")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.MarkDone(ctx, i, "ref"); err != nil {
			t.Fatalf("MarkDone(%d) error = %v", i, err)
		}
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	pending, err := store.ListPending(ctx, 3)
	if err != nil {
		t.Fatalf("ListPending() after reset error = %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("ListPending() after reset = %v, want all pending", pending)
	}
}
