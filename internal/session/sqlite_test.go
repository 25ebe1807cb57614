// ABOUTME: Tests for the SQLite session store
// ABOUTME: Covers channel CRUD, name validation, directory provisioning, and settings

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore_CreatesWorkspaceAndDB(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "nested", "workspace")

	store, err := NewSQLiteStore(workspace)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(workspace, "sessions.db")); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestCreateChannel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChannel(ctx, "Research", "!room1:example.org", "direct")
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	if c.ChannelName != "research" {
		t.Errorf("name not normalized: got %q", c.ChannelName)
	}
	if c.SessionID == "" {
		t.Error("session ID not assigned")
	}
	if c.Started {
		t.Error("new channel should not be started")
	}
	if c.BackendType != "direct" {
		t.Errorf("backend type = %q", c.BackendType)
	}
	if _, err := os.Stat(c.Directory); err != nil {
		t.Errorf("channel directory not provisioned: %v", err)
	}
}

func TestCreateChannel_InvalidNames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"", "has space", "has/slash", ".hidden", "-dash", "../../etc"} {
		if _, err := store.CreateChannel(ctx, name, "!r:x", "direct"); err == nil {
			t.Errorf("CreateChannel(%q) should have failed", name)
		}
	}
}

func TestCreateChannel_DuplicateNameOrRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateChannel(ctx, "research", "!room1:x", "direct"); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	if _, err := store.CreateChannel(ctx, "research", "!room2:x", "direct"); !errors.Is(err, ErrChannelExists) {
		t.Errorf("duplicate name: got %v, want ErrChannelExists", err)
	}
	if _, err := store.CreateChannel(ctx, "other", "!room1:x", "direct"); !errors.Is(err, ErrChannelExists) {
		t.Errorf("duplicate room: got %v, want ErrChannelExists", err)
	}
}

func TestCreateChannel_CopiesTemplate(t *testing.T) {
	workspace := t.TempDir()
	templateDir := filepath.Join(workspace, "template")
	if err := os.MkdirAll(templateDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(templateDir, "README.md"), []byte("seed"), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewSQLiteStore(workspace)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	c, err := store.CreateChannel(context.Background(), "seeded", "!r:x", "direct")
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(c.Directory, "README.md"))
	if err != nil {
		t.Fatalf("template file not copied: %v", err)
	}
	if string(data) != "seed" {
		t.Errorf("copied content = %q", data)
	}
}

func TestGetByName_CaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateChannel(ctx, "research", "!room1:x", "direct"); err != nil {
		t.Fatal(err)
	}

	c, err := store.GetByName(ctx, "RESEARCH")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if c.ChannelName != "research" {
		t.Errorf("got %q", c.ChannelName)
	}

	if _, err := store.GetByName(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("absent channel: got %v, want ErrNotFound", err)
	}
}

func TestGetByRoomAndSessionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateChannel(ctx, "research", "!room1:x", "direct")
	if err != nil {
		t.Fatal(err)
	}

	byRoom, err := store.GetByRoom(ctx, "!room1:x")
	if err != nil {
		t.Fatalf("GetByRoom failed: %v", err)
	}
	if byRoom.ChannelName != "research" {
		t.Errorf("got %q", byRoom.ChannelName)
	}

	bySession, err := store.GetBySessionID(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("GetBySessionID failed: %v", err)
	}
	if bySession.ChannelName != "research" {
		t.Errorf("got %q", bySession.ChannelName)
	}
}

func TestMarkStarted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateChannel(ctx, "research", "!room1:x", "direct"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkStarted(ctx, "!room1:x"); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}

	c, err := store.GetByRoom(ctx, "!room1:x")
	if err != nil {
		t.Fatal(err)
	}
	if !c.Started {
		t.Error("channel should be marked started")
	}
}

func TestUpdateSessionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateChannel(ctx, "research", "!room1:x", "direct"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateSessionID(ctx, "research", "rotated-id"); err != nil {
		t.Fatalf("UpdateSessionID failed: %v", err)
	}

	c, err := store.GetByName(ctx, "research")
	if err != nil {
		t.Fatal(err)
	}
	if c.SessionID != "rotated-id" {
		t.Errorf("session id = %q", c.SessionID)
	}
}

func TestListAllAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		if _, err := store.CreateChannel(ctx, name, "!"+name+":x", "direct"); err != nil {
			t.Fatal(err)
		}
	}

	channels, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("got %d channels", len(channels))
	}

	if err := store.DeleteChannel(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteChannel failed: %v", err)
	}
	if _, err := store.GetByName(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted channel still present: %v", err)
	}

	// Deleting an absent channel is not an error.
	if err := store.DeleteChannel(ctx, "alpha"); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestSettingsAndDispatchRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room, err := DispatchRoom(ctx, store)
	if err != nil {
		t.Fatalf("DispatchRoom failed: %v", err)
	}
	if room != "" {
		t.Errorf("unset dispatch room = %q", room)
	}

	if err := SetDispatchRoom(ctx, store, "!dispatch:x"); err != nil {
		t.Fatalf("SetDispatchRoom failed: %v", err)
	}
	room, err = DispatchRoom(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if room != "!dispatch:x" {
		t.Errorf("dispatch room = %q", room)
	}

	// Settings upsert
	if err := store.SetSetting(ctx, DispatchRoomKey, "!other:x"); err != nil {
		t.Fatal(err)
	}
	room, _ = store.GetSetting(ctx, DispatchRoomKey)
	if room != "!other:x" {
		t.Errorf("after upsert = %q", room)
	}
}

func TestChannel_ValidateDirectory(t *testing.T) {
	good := &Channel{ChannelName: "ok", Directory: "/workspace/ok"}
	if err := good.ValidateDirectory(); err != nil {
		t.Errorf("valid directory rejected: %v", err)
	}

	bad := &Channel{ChannelName: "bad", Directory: "/workspace/../../etc"}
	if err := bad.ValidateDirectory(); err == nil {
		t.Error("traversal directory accepted")
	}
}
