// Package search implements the Elasticsearch adapter: the denormalized,
// full-text view of the feed. Writes are versioned with external_gte so
// replayed or reordered events can never regress a document.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/feed"
)

// IndexName is the single index holding all transaction documents.
const IndexName = "transactions"

// ErrNotFound is returned when a requested document is not indexed.
var ErrNotFound = errors.New("document not found")

// Index is the search adapter, guarded by the elasticsearch breaker.
type Index struct {
	es  *elasticsearch.Client
	brk *breaker.Breaker
}

// New returns an Index over the given client.
func New(es *elasticsearch.Client, brk *breaker.Breaker) *Index {
	return &Index{es: es, brk: brk}
}

// Connect builds a client for the given URL.
func Connect(url string) (*elasticsearch.Client, error) {
	var es, err = elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{url},
		MaxRetries:    3,
		RetryOnStatus: []int{502, 503, 504, 429},
	})
	if err != nil {
		return nil, fmt.Errorf("building elasticsearch client: %w", err)
	}
	return es, nil
}

// mapping is the transactions index schema. Identifier-like fields are
// keywords; search_content is analyzed text with a keyword subfield;
// metadata remains a dynamic object.
const mapping = `{
	"mappings": {
		"properties": {
			"id": {"type": "keyword"},
			"user_id": {"type": "keyword"},
			"transaction_type": {"type": "keyword"},
			"product": {"type": "keyword"},
			"status": {"type": "keyword"},
			"currency": {"type": "keyword"},
			"amount": {"type": "float"},
			"created_at": {"type": "date"},
			"search_content": {
				"type": "text",
				"analyzer": "standard",
				"fields": {"keyword": {"type": "keyword"}}
			},
			"metadata": {"type": "object", "enabled": true}
		}
	}
}`

// EnsureIndex creates the transactions index if it doesn't exist.
func (x *Index) EnsureIndex(ctx context.Context) error {
	var res, err = x.es.Indices.Exists(
		[]string{IndexName},
		x.es.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("checking index existence: %w", err)
	}
	defer drain(res)

	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("checking index existence: %s", res.Status())
	}

	res, err = x.es.Indices.Create(
		IndexName,
		x.es.Indices.Create.WithBody(bytes.NewReader([]byte(mapping))),
		x.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	defer drain(res)

	if res.IsError() {
		return fmt.Errorf("creating index: %s", res.Status())
	}
	log.WithField("index", IndexName).Info("created search index")
	return nil
}

// IndexDocument writes a document at its id. A non-nil version is passed
// out-of-band with external_gte semantics: a 409 conflict means a newer
// version is already indexed, which is success for an at-least-once
// pipeline, not failure. Pipeline-internal fields which are parameters
// rather than content are stripped first.
func (x *Index) IndexDocument(ctx context.Context, doc feed.Document, version *int64) error {
	var id = doc.ID()
	if id == "" {
		return fmt.Errorf("document has no id")
	}

	var body = make(feed.Document, len(doc))
	for k, v := range doc {
		if k == feed.DocVersion || k == feed.DocUpdatedAt {
			continue
		}
		body[k] = v
	}
	var raw, err = json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	return x.brk.Do(func() error {
		var opts = []func(*esapi.IndexRequest){
			x.es.Index.WithDocumentID(id),
			x.es.Index.WithContext(ctx),
		}
		if version != nil {
			opts = append(opts,
				x.es.Index.WithVersion(int(*version)),
				x.es.Index.WithVersionType("external_gte"),
			)
		}
		res, err := x.es.Index(IndexName, bytes.NewReader(raw), opts...)
		if err != nil {
			return fmt.Errorf("indexing document: %w", err)
		}
		defer drain(res)

		if res.StatusCode == http.StatusConflict {
			// A newer version won; this write is already superseded.
			log.WithFields(log.Fields{"id": id, "version": version}).
				Debug("index write superseded by newer version")
			return nil
		}
		if res.IsError() {
			return fmt.Errorf("indexing document: %s", res.Status())
		}
		return nil
	})
}

// CurrentVersion reports the highest version known for a document: the
// maximum of the index's own _version and any _version stamp inside the
// stored source. Absent documents report 0.
func (x *Index) CurrentVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	var err = x.brk.Do(func() error {
		res, err := x.es.Get(IndexName, id, x.es.Get.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("fetching document: %w", err)
		}
		defer drain(res)

		if res.StatusCode == http.StatusNotFound {
			version = 0
			return nil
		}
		if res.IsError() {
			return fmt.Errorf("fetching document: %s", res.Status())
		}

		var envelope struct {
			Version int64         `json:"_version"`
			Source  feed.Document `json:"_source"`
		}
		if err = json.NewDecoder(res.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decoding document: %w", err)
		}
		version = envelope.Version
		if v := envelope.Source.Version(); v > version {
			version = v
		}
		return nil
	})
	return version, err
}

// GetDocument fetches a single document by id, with the index's _id
// folded back into the document. Absent documents return ErrNotFound
// without counting against the breaker.
func (x *Index) GetDocument(ctx context.Context, id string) (feed.Document, error) {
	var doc feed.Document
	var found bool

	var err = x.brk.Do(func() error {
		res, err := x.es.Get(IndexName, id, x.es.Get.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("fetching document: %w", err)
		}
		defer drain(res)

		if res.StatusCode == http.StatusNotFound {
			return nil
		}
		if res.IsError() {
			return fmt.Errorf("fetching document: %s", res.Status())
		}

		var envelope struct {
			ID     string        `json:"_id"`
			Source feed.Document `json:"_source"`
		}
		if err = json.NewDecoder(res.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decoding document: %w", err)
		}
		doc = envelope.Source
		if doc == nil {
			doc = feed.Document{}
		}
		doc["id"] = envelope.ID
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Delete removes a document from the index. Deleting an absent document
// succeeds.
func (x *Index) Delete(ctx context.Context, id string) error {
	return x.brk.Do(func() error {
		var res, err = x.es.Delete(IndexName, id, x.es.Delete.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("deleting document: %w", err)
		}
		defer drain(res)

		if res.StatusCode == http.StatusNotFound {
			return nil
		}
		if res.IsError() {
			return fmt.Errorf("deleting document: %s", res.Status())
		}
		return nil
	})
}

// Ping reports whether the cluster is reachable.
func (x *Index) Ping(ctx context.Context) error {
	var res, err = x.es.Ping(x.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("pinging elasticsearch: %w", err)
	}
	defer drain(res)

	if res.IsError() {
		return fmt.Errorf("pinging elasticsearch: %s", res.Status())
	}
	return nil
}

// drain consumes and closes a response body so the transport's
// connection can be reused.
func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
