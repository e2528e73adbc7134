package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/config"
	"github.com/goodtune/kportal/internal/storage/redis"
)

func TestReadSessions_LeavesStorageUntouched(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mr := miniredis.RunT(t)
	mr.SetTime(now)

	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	windows := store.Windows()

	active := access.AccessWindow{PackageID: "2", StartTime: now, EndTime: now.Add(time.Hour)}
	ended := access.AccessWindow{PackageID: "1", StartTime: now, EndTime: now.Add(time.Minute)}
	if err := windows.Put(ctx, "alice", active); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := windows.Put(ctx, "bob", ended); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := mr.Set("kportal:window:broken", "{not json"); err != nil {
		t.Fatalf("Failed to seed corrupt window: %v", err)
	}
	if _, err := mr.ZAdd("kportal:windows", float64(now.Add(time.Hour).UnixMilli()), "broken"); err != nil {
		t.Fatalf("Failed to index corrupt window: %v", err)
	}

	// Read after bob's window ended but before Redis evicted it
	later := now.Add(5 * time.Minute)
	entries, unreadable, err := readSessions(ctx, windows, later)
	if err != nil {
		t.Fatalf("readSessions failed: %v", err)
	}

	if unreadable != 1 {
		t.Errorf("Expected 1 unreadable record, got %d", unreadable)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].UserKey != "bob" || entries[0].Active {
		t.Errorf("Expected expired bob first, got %+v", entries[0])
	}
	if entries[1].UserKey != "alice" || !entries[1].Active {
		t.Errorf("Expected active alice second, got %+v", entries[1])
	}

	for _, key := range []string{"kportal:window:alice", "kportal:window:bob", "kportal:window:broken"} {
		if !mr.Exists(key) {
			t.Errorf("Expected %s to remain in storage", key)
		}
	}
	members, _ := mr.ZMembers("kportal:windows")
	if len(members) != 3 {
		t.Errorf("Expected 3 index entries, got %v", members)
	}
}
