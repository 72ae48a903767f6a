package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// testDB connects to the database named by MVCHAT_TEST_DSN, skipping the test
// when it is unset. Tables are recreated in a fresh schema per test.
func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("MVCHAT_TEST_DSN")
	if dsn == "" {
		t.Skip("MVCHAT_TEST_DSN not set")
	}

	ctx := context.Background()
	schema := "cache_test_" + uuid.NewString()[:8]

	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	poolConfig.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	db := &DB{pool: pool, timeout: 5 * time.Second}
	t.Cleanup(func() {
		db.Close()
		admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		admin.Close()
	})

	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func TestDB_Schema(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	version, err := db.GetSchemaVersion(ctx)
	if err != nil {
		t.Fatalf("GetSchemaVersion: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("version = %d, want %d", version, SchemaVersion)
	}

	// Second init is a no-op.
	if err := db.InitSchema(ctx); err != nil {
		t.Errorf("second InitSchema: %v", err)
	}
}

func TestDB_SaveMessageDeduplicates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := &Message{
		ConversationID: "conv1",
		Seq:            1,
		From:           "user1",
		Content:        json.RawMessage(`{"v":1,"text":"hi"}`),
	}
	created, err := db.SaveMessage(ctx, msg)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if !created {
		t.Error("expected first save to create")
	}
	if msg.ID == uuid.Nil {
		t.Error("expected ID to be assigned")
	}

	dup := &Message{ConversationID: "conv1", Seq: 1, From: "user1", Content: json.RawMessage(`{"v":1,"text":"other"}`)}
	created, err = db.SaveMessage(ctx, dup)
	if err != nil {
		t.Fatalf("SaveMessage dup: %v", err)
	}
	if created {
		t.Error("expected duplicate seq to be ignored")
	}

	got, err := db.GetMessageBySeq(ctx, "conv1", 1)
	if err != nil {
		t.Fatalf("GetMessageBySeq: %v", err)
	}
	if got == nil || got.ID != msg.ID {
		t.Fatalf("got %+v, want original message", got)
	}
}

func TestDB_GetMessagesPaging(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for seq := 1; seq <= 5; seq++ {
		msg := &Message{ConversationID: "conv1", Seq: seq, From: "user1", Content: json.RawMessage(`{"v":1}`)}
		if _, err := db.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage %d: %v", seq, err)
		}
	}

	latest, err := db.GetMessages(ctx, "conv1", 0, 2)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(latest) != 2 || latest[0].Seq != 5 || latest[1].Seq != 4 {
		t.Errorf("latest = %v", seqs(latest))
	}

	older, err := db.GetMessages(ctx, "conv1", 4, 10)
	if err != nil {
		t.Fatalf("GetMessages before: %v", err)
	}
	if len(older) != 3 || older[0].Seq != 3 {
		t.Errorf("older = %v", seqs(older))
	}

	missing, err := db.GetMessageBySeq(ctx, "conv1", 99)
	if err != nil {
		t.Fatalf("GetMessageBySeq: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing seq, got %+v", missing)
	}
}

func TestDB_EditAndUnsend(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := &Message{ConversationID: "conv1", Seq: 1, From: "user1", Content: json.RawMessage(`{"v":1,"text":"a"}`)}
	if _, err := db.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	if err := db.EditMessage(ctx, "conv1", 1, json.RawMessage(`{"v":1,"text":"b"}`)); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	got, _ := db.GetMessageBySeq(ctx, "conv1", 1)
	if got.EditedAt == nil {
		t.Error("expected EditedAt to be set")
	}

	if err := db.UnsendMessage(ctx, "conv1", 1); err != nil {
		t.Fatalf("UnsendMessage: %v", err)
	}
	got, _ = db.GetMessageBySeq(ctx, "conv1", 1)
	if got.DeletedAt == nil {
		t.Error("expected DeletedAt to be set")
	}
	if got.Content != nil {
		t.Errorf("expected content to be dropped, got %s", got.Content)
	}

	// Edits after unsend are ignored.
	if err := db.EditMessage(ctx, "conv1", 1, json.RawMessage(`{"v":1,"text":"c"}`)); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	got, _ = db.GetMessageBySeq(ctx, "conv1", 1)
	if got.Content != nil {
		t.Errorf("edit after unsend restored content: %s", got.Content)
	}
}

func TestDB_DeliveryStateMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ds, err := db.GetDeliveryState(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetDeliveryState: %v", err)
	}
	if ds != nil {
		t.Fatalf("expected nil state, got %+v", ds)
	}

	steps := []struct {
		name string
		fn   func(context.Context, string, int) (bool, error)
		seq  int
		want bool
	}{
		{"recv 5", db.UpdateRecvSeq, 5, true},
		{"recv 3", db.UpdateRecvSeq, 3, false},
		{"recv 5 again", db.UpdateRecvSeq, 5, false},
		{"read 2", db.UpdateReadSeq, 2, true},
		{"read 1", db.UpdateReadSeq, 1, false},
		{"read 8", db.UpdateReadSeq, 8, true},
	}
	for _, step := range steps {
		moved, err := step.fn(ctx, "conv1", step.seq)
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if moved != step.want {
			t.Errorf("%s: moved = %v, want %v", step.name, moved, step.want)
		}
	}

	ds, err = db.GetDeliveryState(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetDeliveryState: %v", err)
	}
	if ds.ReadSeq != 8 || ds.RecvSeq != 8 {
		t.Errorf("state = recv %d read %d, want 8/8", ds.RecvSeq, ds.ReadSeq)
	}
}

func TestMockStore_Defaults(t *testing.T) {
	var s Store = &MockStore{}
	ctx := context.Background()

	created, err := s.SaveMessage(ctx, &Message{})
	if err != nil || !created {
		t.Errorf("SaveMessage = %v, %v", created, err)
	}
	if msgs, err := s.GetMessages(ctx, "c", 0, 10); err != nil || msgs != nil {
		t.Errorf("GetMessages = %v, %v", msgs, err)
	}
	if ds, err := s.GetDeliveryState(ctx, "c"); err != nil || ds != nil {
		t.Errorf("GetDeliveryState = %v, %v", ds, err)
	}
}

func TestMockStore_Overrides(t *testing.T) {
	boom := errors.New("boom")
	var gotSeq int
	s := &MockStore{
		UpdateRecvSeqFn: func(ctx context.Context, convID string, seq int) (bool, error) {
			gotSeq = seq
			return false, boom
		},
	}

	moved, err := s.UpdateRecvSeq(context.Background(), "c", 7)
	if !errors.Is(err, boom) || moved {
		t.Errorf("UpdateRecvSeq = %v, %v", moved, err)
	}
	if gotSeq != 7 {
		t.Errorf("seq = %d, want 7", gotSeq)
	}
}

func seqs(msgs []Message) []int {
	out := make([]int, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}
