package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
	"github.com/snarg/tr-consumer/internal/indexstore"
)

func writeCallPair(t *testing.T, dir, base string, rec *call.Record) string {
	t.Helper()
	meta, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	jsonPath := filepath.Join(dir, base+".json")
	if err := os.WriteFile(filepath.Join(dir, base+".wav"), []byte("wav-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(jsonPath, meta, 0o644); err != nil {
		t.Fatal(err)
	}
	return jsonPath
}

func newTestWatcher(t *testing.T, cfg config.WatcherConfig, p *Pipeline) *Watcher {
	t.Helper()
	w, err := NewWatcher(cfg, p, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func TestProcessPairRunsCall(t *testing.T) {
	watchDir := t.TempDir()
	index := &fakeIndexer{}
	p := newTestPipeline(t, testConfig(t), index, zerolog.Nop())
	w := newTestWatcher(t, config.WatcherConfig{
		Enabled:    true,
		WatchDir:   watchDir,
		InstanceID: "tr-consumer-watcher",
	}, p)

	src := testRecord()
	src.InstanceID = ""
	jsonPath := writeCallPair(t, watchDir, "1700000000_100", src)

	w.processPair(jsonPath)

	docs := index.byIndex(indexstore.IndexTransmissions)
	if len(docs) != 1 {
		t.Fatalf("transmissions docs = %d, want 1", len(docs))
	}
	rec, ok := docs[0].(*call.Record)
	if !ok {
		t.Fatalf("doc is %T, want *call.Record", docs[0])
	}
	if rec.InstanceID != "tr-consumer-watcher" {
		t.Errorf("instance_id = %q, want the watcher identity", rec.InstanceID)
	}
	if rec.TalkgroupDecimal != 100 {
		t.Errorf("talkgroup_decimal = %d, want 100", rec.TalkgroupDecimal)
	}
	if rec.Timestamp == 0 {
		t.Error("timestamp not injected")
	}

	// Source files belong to the recorder and stay put.
	for _, ext := range []string{".json", ".wav"} {
		if _, err := os.Stat(filepath.Join(watchDir, "1700000000_100"+ext)); err != nil {
			t.Errorf("source file removed: %v", err)
		}
	}
}

func TestProcessPairSkips(t *testing.T) {
	watchDir := t.TempDir()
	index := &fakeIndexer{}
	p := newTestPipeline(t, testConfig(t), index, zerolog.Nop())
	w := newTestWatcher(t, config.WatcherConfig{WatchDir: watchDir, InstanceID: "w"}, p)

	// No talkgroup: recorder wrote a non-call artifact.
	noTG := testRecord()
	noTG.Talkgroup = 0
	w.processPair(writeCallPair(t, watchDir, "capture", noTG))

	// Orphan sidecar: WAV sibling missing.
	orphan := filepath.Join(watchDir, "orphan.json")
	if err := os.WriteFile(orphan, []byte(`{"short_name":"sys1","talkgroup":100}`), 0o644); err != nil {
		t.Fatal(err)
	}
	w.processPair(orphan)

	if got := len(index.docsAll()); got != 0 {
		t.Errorf("indexed docs = %d, want 0", got)
	}
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	watchDir := t.TempDir()
	index := &fakeIndexer{}
	p := newTestPipeline(t, testConfig(t), index, zerolog.Nop())
	newTestWatcher(t, config.WatcherConfig{
		Enabled:    true,
		WatchDir:   watchDir,
		InstanceID: "tr-consumer-watcher",
	}, p)

	// Recorders drop calls into fresh per-day directories.
	dayDir := filepath.Join(watchDir, "2023_11_14")
	if err := os.Mkdir(dayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a beat to pick up the new directory.
	time.Sleep(100 * time.Millisecond)

	writeCallPair(t, dayDir, "1700000000_100", testRecord())

	waitFor(t, "the dropped call to be processed", func() bool {
		return len(index.byIndex(indexstore.IndexTransmissions)) == 1
	})
}
