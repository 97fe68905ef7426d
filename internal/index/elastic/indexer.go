// Package elastic writes processed crashes to weekly Elasticsearch indices.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// DefaultIndexPrefix is used when Config.IndexPrefix is empty.
const DefaultIndexPrefix = "socorro"

// Config describes the cluster and index naming.
type Config struct {
	Addresses   []string
	Username    string
	Password    string
	IndexPrefix string
	// ExcludeFields are dropped from indexed documents. Nil drops json_dump.
	ExcludeFields []string
	// Transport overrides the HTTP transport; tests point it at a fake cluster.
	Transport http.RoundTripper
}

// Indexer implements crash.Indexer.
type Indexer struct {
	client  *elasticsearch.Client
	prefix  string
	exclude []string
}

// New builds an Indexer. No request is made until the first write.
func New(cfg Config) (*Indexer, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("at least one elasticsearch address is required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
		// The sink owns retries.
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = DefaultIndexPrefix
	}
	exclude := cfg.ExcludeFields
	if exclude == nil {
		exclude = []string{crash.FieldJSONDump}
	}
	return &Indexer{client: client, prefix: prefix, exclude: exclude}, nil
}

// IndexName returns the weekly index for a submission time, e.g. socorro202341.
func IndexName(prefix string, submitted time.Time) string {
	year, week := submitted.UTC().ISOWeek()
	return fmt.Sprintf("%s%04d%02d", prefix, year, week)
}

// IndexCrash writes doc with the crash id as document id, so repeated writes replace it.
func (ix *Indexer) IndexCrash(ctx context.Context, id crash.ID, doc crash.Fields, submitted time.Time) error {
	body, err := json.Marshal(doc.Without(ix.exclude...))
	if err != nil {
		return crash.Permanent(crash.StageIndex, fmt.Errorf("encode document: %w", err))
	}
	req := esapi.IndexRequest{
		Index:      IndexName(ix.prefix, submitted),
		DocumentID: id.String(),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, ix.client)
	if err != nil {
		return crash.Transient(crash.StageIndex, fmt.Errorf("index %s: %w", id, err))
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		err := fmt.Errorf("index %s: %s: %s", id, res.Status(), strings.TrimSpace(string(msg)))
		if res.StatusCode == http.StatusBadRequest {
			return crash.Permanent(crash.StageIndex, err)
		}
		return crash.Transient(crash.StageIndex, err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
