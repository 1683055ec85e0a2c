// Package indexstore writes call transmissions and recorder status documents
// to an Elasticsearch cluster. Writes are coalesced into _bulk requests;
// indexing failures are logged and never surface to the pipeline.
package indexstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/config"
)

const (
	bulkMaxDocs    = 64
	bulkFlushEvery = 2 * time.Second
	bulkTimeout    = 10 * time.Second
)

// Store is a thread-safe index client. Callers do not synchronize around it.
type Store struct {
	es    *elasticsearch.Client
	batch *docBatcher
	log   zerolog.Logger
}

// New builds the cluster client. It performs no network I/O; call
// EnsureIndices before the first write.
func New(cfg config.ElasticsearchConfig, log zerolog.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("elasticsearch: url is required")
	}

	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.CACertificate != "" {
		ca, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch: read ca certificate: %w", err)
		}
		esCfg.CACert = ca
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: %w", err)
	}

	s := &Store{
		es:  es,
		log: log.With().Str("component", "indexstore").Logger(),
	}
	s.batch = newDocBatcher(bulkMaxDocs, bulkFlushEvery, s.writeBulk)
	return s, nil
}

// EnsureIndices creates each missing index with its mapping. Creation is
// idempotent across restarts and concurrent consumers; failures are logged
// per index and do not stop the others.
func (s *Store) EnsureIndices(ctx context.Context) {
	names := []string{
		IndexTransmissions,
		IndexRates,
		IndexRecorders,
		IndexDuplicates,
		IndexUnits,
	}
	for _, name := range names {
		if err := s.ensureIndex(ctx, name); err != nil {
			s.log.Error().Err(err).Str("index", name).Msg("index setup failed")
		}
	}
}

func (s *Store) ensureIndex(ctx context.Context, name string) error {
	res, err := s.es.Indices.Exists([]string{name}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("exists check: %s", res.Status())
	}

	res, err = s.es.Indices.Create(name,
		s.es.Indices.Create.WithBody(strings.NewReader(indexMappings[name])),
		s.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		// Lost a create race with another consumer, or a mapping conflict.
		// Either way the index exists now; writes will tell.
		return fmt.Errorf("create: %s", res.Status())
	}
	s.log.Info().Str("index", name).Msg("index created")
	return nil
}

// IndexDocument queues doc for bulk insertion into index. Unknown index
// names and unserializable documents are dropped with a warning.
func (s *Store) IndexDocument(index string, doc any) {
	if _, ok := indexMappings[index]; !ok {
		s.log.Warn().Str("index", index).Msg("unknown index")
		return
	}
	body, err := json.Marshal(doc)
	if err != nil {
		s.log.Warn().Err(err).Str("index", index).Msg("document not serializable")
		return
	}
	s.batch.add(bulkDoc{index: index, body: body})
}

// Close flushes pending documents and stops the bulk writer.
func (s *Store) Close() {
	s.batch.stop()
}

func (s *Store) writeBulk(docs []bulkDoc) {
	ctx, cancel := context.WithTimeout(context.Background(), bulkTimeout)
	defer cancel()

	var body bytes.Buffer
	for _, d := range docs {
		fmt.Fprintf(&body, "{\"index\":{\"_index\":%q}}\n", d.index)
		body.Write(d.body)
		body.WriteByte('\n')
	}

	res, err := s.es.Bulk(bytes.NewReader(body.Bytes()), s.es.Bulk.WithContext(ctx))
	if err != nil {
		s.log.Error().Err(err).Int("docs", len(docs)).Msg("bulk write failed")
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		s.log.Error().Str("status", res.Status()).Int("docs", len(docs)).Msg("bulk write rejected")
		return
	}

	var reply struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		s.log.Warn().Err(err).Msg("bulk response unreadable")
		return
	}
	if !reply.Errors {
		s.log.Debug().Int("docs", len(docs)).Msg("documents indexed")
		return
	}

	failed := 0
	var first json.RawMessage
	for _, item := range reply.Items {
		for _, op := range item {
			if op.Status >= 300 {
				failed++
				if first == nil {
					first = op.Error
				}
			}
		}
	}
	evt := s.log.Error().Int("failed", failed).Int("docs", len(docs))
	if first != nil {
		evt = evt.RawJSON("first_error", first)
	}
	evt.Msg("bulk write partially failed")
}
