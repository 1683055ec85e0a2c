package indexstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog"
)

// fakeCluster answers the minimal Elasticsearch surface the store touches:
// HEAD exists checks, PUT index creation, POST _bulk.
type fakeCluster struct {
	mu       sync.Mutex
	existing map[string]bool
	created  map[string]string
	bulkCh   chan string
	requests atomic.Int64
}

func newFakeCluster(existing ...string) *fakeCluster {
	f := &fakeCluster{
		existing: make(map[string]bool),
		created:  make(map[string]string),
		bulkCh:   make(chan string, 4),
	}
	for _, name := range existing {
		f.existing[name] = true
	}
	return f
}

func (f *fakeCluster) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		// Without this header the v8 client rejects the server as
		// not-Elasticsearch.
		w.Header().Set("X-Elastic-Product", "Elasticsearch")

		switch {
		case r.Method == http.MethodHead:
			name := strings.TrimPrefix(r.URL.Path, "/")
			f.mu.Lock()
			ok := f.existing[name]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPut:
			name := strings.TrimPrefix(r.URL.Path, "/")
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.existing[name] = true
			f.created[name] = string(body)
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"acknowledged":true}`))
		case r.Method == http.MethodPost && r.URL.Path == "/_bulk":
			body, _ := io.ReadAll(r.Body)
			f.bulkCh <- string(body)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"took":1,"errors":false,"items":[]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

func testStore(t *testing.T, url string, maxDocs int, age time.Duration) *Store {
	t.Helper()
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{url}})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	s := &Store{es: es, log: zerolog.Nop()}
	s.batch = newDocBatcher(maxDocs, age, s.writeBulk)
	return s
}

// ── index creation ──────────────────────────────────────────────────────────

func TestEnsureIndicesCreatesMissing(t *testing.T) {
	cluster := newFakeCluster(IndexTransmissions)
	srv := httptest.NewServer(cluster.handler())
	defer srv.Close()

	s := testStore(t, srv.URL, bulkMaxDocs, time.Hour)
	s.EnsureIndices(context.Background())

	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	if _, ok := cluster.created[IndexTransmissions]; ok {
		t.Errorf("recreated existing index %s", IndexTransmissions)
	}
	for _, name := range []string{IndexRates, IndexRecorders, IndexDuplicates, IndexUnits} {
		body, ok := cluster.created[name]
		if !ok {
			t.Errorf("index %s not created", name)
			continue
		}
		var mapping struct {
			Mappings struct {
				Dynamic    string                     `json:"dynamic"`
				Properties map[string]json.RawMessage `json:"properties"`
			} `json:"mappings"`
		}
		if err := json.Unmarshal([]byte(body), &mapping); err != nil {
			t.Errorf("index %s mapping not valid JSON: %v", name, err)
			continue
		}
		if mapping.Mappings.Dynamic != "false" {
			t.Errorf("index %s dynamic = %q, want \"false\"", name, mapping.Mappings.Dynamic)
		}
		if len(mapping.Mappings.Properties) == 0 {
			t.Errorf("index %s has no mapped properties", name)
		}
	}
	if _, ok := cluster.created[IndexRates]; ok {
		if !strings.Contains(cluster.created[IndexRates], "decode_rate") {
			t.Error("rates mapping missing decode_rate field")
		}
	}
}

// ── bulk writes ─────────────────────────────────────────────────────────────

func TestIndexDocumentBulkShape(t *testing.T) {
	cluster := newFakeCluster()
	srv := httptest.NewServer(cluster.handler())
	defer srv.Close()

	s := testStore(t, srv.URL, 2, time.Hour)
	s.IndexDocument(IndexRates, map[string]any{
		"instance_id": "trunk-recorder-1",
		"short_name":  "butco",
		"decode_rate": 36.5,
		"timestamp":   1700000000,
	})
	s.IndexDocument(IndexRecorders, map[string]any{
		"instance_id":  "trunk-recorder-1",
		"active_count": 3,
	})

	var body string
	select {
	case body = <-cluster.bulkCh:
	case <-time.After(2 * time.Second):
		t.Fatal("bulk request never arrived")
	}

	if !strings.HasSuffix(body, "\n") {
		t.Error("bulk body must end with a newline")
	}
	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("bulk body has %d lines, want 4 (two action/source pairs)", len(lines))
	}

	var action struct {
		Index struct {
			Index string `json:"_index"`
		} `json:"index"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &action); err != nil {
		t.Fatalf("action line: %v", err)
	}
	if action.Index.Index != IndexRates {
		t.Errorf("first action index = %q, want %q", action.Index.Index, IndexRates)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &doc); err != nil {
		t.Fatalf("source line: %v", err)
	}
	if doc["short_name"] != "butco" || doc["decode_rate"] != 36.5 {
		t.Errorf("first document = %v", doc)
	}

	if err := json.Unmarshal([]byte(lines[2]), &action); err != nil {
		t.Fatalf("second action line: %v", err)
	}
	if action.Index.Index != IndexRecorders {
		t.Errorf("second action index = %q, want %q", action.Index.Index, IndexRecorders)
	}
}

func TestIndexDocumentDropsBad(t *testing.T) {
	cluster := newFakeCluster()
	srv := httptest.NewServer(cluster.handler())
	defer srv.Close()

	s := testStore(t, srv.URL, 1, time.Hour)
	s.IndexDocument("icad-bogus", map[string]any{"x": 1})
	s.IndexDocument(IndexRates, make(chan int))
	s.Close()

	if n := cluster.requests.Load(); n != 0 {
		t.Errorf("server saw %d requests, want 0", n)
	}
}

// ── batching ────────────────────────────────────────────────────────────────

func TestDocBatcher(t *testing.T) {
	collect := func() (*[][]bulkDoc, *sync.Mutex, func([]bulkDoc)) {
		var mu sync.Mutex
		var batches [][]bulkDoc
		return &batches, &mu, func(docs []bulkDoc) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, docs)
		}
	}

	t.Run("size_threshold", func(t *testing.T) {
		batches, mu, write := collect()
		b := newDocBatcher(3, time.Hour, write)
		defer b.stop()

		for i := 0; i < 3; i++ {
			b.add(bulkDoc{index: IndexRates})
		}
		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(*batches) != 1 || len((*batches)[0]) != 3 {
			t.Fatalf("batches = %v, want one batch of 3", *batches)
		}
	})

	t.Run("age_flush", func(t *testing.T) {
		batches, mu, write := collect()
		b := newDocBatcher(100, 50*time.Millisecond, write)
		defer b.stop()

		b.add(bulkDoc{index: IndexRates})
		b.add(bulkDoc{index: IndexUnits})
		time.Sleep(150 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(*batches) != 1 || len((*batches)[0]) != 2 {
			t.Fatalf("batches = %v, want one batch of 2", *batches)
		}
	})

	t.Run("under_threshold_holds", func(t *testing.T) {
		batches, mu, write := collect()
		b := newDocBatcher(10, time.Hour, write)
		defer b.stop()

		b.add(bulkDoc{index: IndexRates})
		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(*batches) != 0 {
			t.Fatalf("flushed %d batches before any threshold", len(*batches))
		}
	})

	t.Run("stop_drains_then_drops", func(t *testing.T) {
		batches, mu, write := collect()
		b := newDocBatcher(100, time.Hour, write)

		b.add(bulkDoc{index: IndexRates})
		b.add(bulkDoc{index: IndexRates})
		b.stop()
		b.add(bulkDoc{index: IndexRates})

		mu.Lock()
		defer mu.Unlock()
		if len(*batches) != 1 || len((*batches)[0]) != 2 {
			t.Fatalf("batches = %v, want the pre-stop batch of 2", *batches)
		}
	})
}
