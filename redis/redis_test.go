package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testClient connects to the Redis named by MVCHAT_TEST_REDIS or skips.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("MVCHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("MVCHAT_TEST_REDIS not set")
	}
	c, err := New(Config{Addr: addr, Prefix: "mvchat2-client-test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_SetGetDelete(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	if err := c.Set(ctx, "k", payload{Name: "v"}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var got payload
	if err := c.Get(ctx, "k", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "v" {
		t.Errorf("expected v, got %q", got.Name)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := c.Get(ctx, "k", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestClient_SetNX(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "device", "a", 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX should succeed, got %v, %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "device", "b", 0)
	if err != nil || ok {
		t.Errorf("second SetNX should not overwrite, got %v, %v", ok, err)
	}

	var got string
	if err := c.Get(ctx, "device", &got); err != nil || got != "a" {
		t.Errorf("expected the first value kept, got %q, %v", got, err)
	}
}

func TestNewWithClient_DefaultPrefix(t *testing.T) {
	c := NewWithClient(nil, "")
	if c.key("x") != "mvchat2-client:x" {
		t.Errorf("unexpected key %q", c.key("x"))
	}
}
