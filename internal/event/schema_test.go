package event

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const musicSchema = `{
	"type": "object",
	"required": ["track"],
	"properties": {
		"track": {"type": "string"},
		"position_sec": {"type": "number", "minimum": 0}
	}
}`

func customEvent(key string, payload []byte) *ContextEvent {
	return &ContextEvent{
		ID:        ID{Device: devID(1), Clock: 1},
		Category:  CategoryCustom,
		Key:       key,
		Payload:   payload,
		Scope:     ScopePairedDevices,
		CreatedAt: time.Now().UTC(),
	}
}

func TestLoadSchemaDirMissingIsEmpty(t *testing.T) {
	r, err := LoadSchemaDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestLoadSchemaDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "music.schema.json"), []byte(musicSchema), 0o600); err != nil {
		t.Fatal(err)
	}
	// Non-schema files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadSchemaDir(dir)
	if err != nil {
		t.Fatalf("LoadSchemaDir: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	good := customEvent("music/now_playing", []byte(`{"track":"Horizon","position_sec":12}`))
	if err := r.ValidatePayload(good); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	bad := customEvent("music/now_playing", []byte(`{"position_sec":-4}`))
	if err := r.ValidatePayload(bad); err == nil {
		t.Error("schema violation should be rejected")
	}

	notJSON := customEvent("music/now_playing", []byte("not json"))
	if err := r.ValidatePayload(notJSON); err == nil {
		t.Error("non-JSON payload should be rejected when a schema applies")
	}
}

func TestValidatePayloadSkips(t *testing.T) {
	reg, err := LoadSchemaDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("music", []byte(musicSchema)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Built-in categories pass unchecked.
	builtin := validEvent()
	builtin.Payload = []byte("opaque")
	if err := reg.ValidatePayload(builtin); err != nil {
		t.Errorf("built-in category should pass: %v", err)
	}

	// Unregistered prefixes pass unchecked.
	other := customEvent("podcast/current", []byte("whatever"))
	if err := reg.ValidatePayload(other); err != nil {
		t.Errorf("unregistered prefix should pass: %v", err)
	}

	// Tombstones pass even with a registered prefix.
	tomb := customEvent("music/now_playing", nil)
	tomb.Tombstone = true
	if err := reg.ValidatePayload(tomb); err != nil {
		t.Errorf("tombstone should pass: %v", err)
	}
}
