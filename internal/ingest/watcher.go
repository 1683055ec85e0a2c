package ingest

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
	"github.com/snarg/tr-consumer/internal/metrics"
)

// debounceDelay coalesces the burst of Create/Write events a recorder
// emits while it is still writing a file.
const debounceDelay = 500 * time.Millisecond

// Watcher ingests calls from recorders that write WAV/JSON pairs straight
// to disk instead of publishing over the broker. A <base>.json event is
// paired with its <base>.wav sibling and fed through the same pipeline as
// a broker message.
type Watcher struct {
	cfg      config.WatcherConfig
	pipeline *Pipeline
	fs       *fsnotify.Watcher
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer

	done chan struct{}
}

// NewWatcher watches cfg.WatchDir and its subdirectories and starts the
// event loop.
func NewWatcher(cfg config.WatcherConfig, pipeline *Pipeline, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:      cfg,
		pipeline: pipeline,
		fs:       fsw,
		log:      log.With().Str("component", "watcher").Logger(),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	err = filepath.WalkDir(cfg.WatchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	w.log.Info().Str("dir", cfg.WatchDir).Msg("watching for call files")
	return w, nil
}

// Close stops the event loop and cancels pending debounce timers.
func (w *Watcher) Close() {
	w.fs.Close()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// Recorders make a directory per day; pick new ones up as they appear.
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.fs.Add(ev.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", ev.Name).Msg("cannot watch new directory")
			}
			return
		}
	}

	if !strings.HasSuffix(ev.Name, ".json") {
		return
	}
	w.debounce(ev.Name)
}

func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.enqueue(path)
	})
}

func (w *Watcher) enqueue(path string) {
	w.pipeline.incHandler("watcher")
	if !w.pipeline.pool.Enqueue(func() { w.processPair(path) }) {
		metrics.MessagesDroppedTotal.WithLabelValues("queue_full").Inc()
		w.log.Warn().Str("file", path).Msg("work queue full, call file dropped")
	}
}

// processPair reads the sidecar and its WAV sibling and runs the call. The
// source files belong to the recorder and are left in place; the pipeline
// works on its own scratch copies.
func (w *Watcher) processPair(jsonPath string) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		w.log.Warn().Err(err).Str("file", jsonPath).Msg("cannot read call json")
		return
	}

	rec := &call.Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		w.log.Warn().Err(err).Str("file", jsonPath).Msg("undecodable call json")
		return
	}
	if rec.Talkgroup <= 0 {
		w.log.Debug().Str("file", jsonPath).Msg("no talkgroup, skipping")
		return
	}

	wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
	wav, err := os.ReadFile(wavPath)
	if err != nil {
		w.log.Warn().Err(err).Str("file", wavPath).Msg("cannot read call wav")
		return
	}

	if rec.Filename == "" {
		rec.Filename = filepath.Base(wavPath)
	}
	rec.Filename = filepath.Base(rec.Filename)
	rec.InstanceID = w.cfg.InstanceID
	rec.TalkgroupDecimal = rec.Talkgroup
	rec.Timestamp = float64(time.Now().Unix())

	result := w.pipeline.ProcessCall(w.pipeline.ctx, rec, wav)
	system := rec.ShortName
	if system == "" {
		system = "unknown"
	}
	metrics.CallsProcessedTotal.WithLabelValues(system, string(result)).Inc()
}
