package searchsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
)

// elasticStub emulates just enough of the Elasticsearch HTTP API for the
// loader: _bulk, HEAD index and PUT index. The product header is required
// or the client refuses to talk to the server.
type elasticStub struct {
	mu       sync.Mutex
	docs     map[string]map[string]json.RawMessage // index -> id -> body
	indexes  map[string]bool
	rejectID string
	failAll  bool

	bulkCalls   int
	createCalls int
}

func newElasticStub() *elasticStub {
	return &elasticStub{
		docs:    map[string]map[string]json.RawMessage{},
		indexes: map[string]bool{},
	}
}

func (s *elasticStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAll {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"boom"}`)
		return
	}

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/_bulk"):
		s.bulkCalls++
		s.serveBulk(w, r)
	case r.Method == http.MethodHead && r.URL.Path == "/":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		index := strings.Trim(r.URL.Path, "/")
		if s.indexes[index] {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut:
		s.createCalls++
		index := strings.Trim(r.URL.Path, "/")
		s.indexes[index] = true
		fmt.Fprintf(w, `{"acknowledged":true,"index":%q}`, index)
	case r.Method == http.MethodGet:
		fmt.Fprint(w, `{"version":{"number":"8.12.1"}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *elasticStub) serveBulk(w http.ResponseWriter, r *http.Request) {
	type itemResult struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	}
	var items []map[string]itemResult
	hadErrors := false

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		var action struct {
			Index struct {
				Index string `json:"_index"`
				ID    string `json:"_id"`
			} `json:"index"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !scanner.Scan() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body := append([]byte(nil), scanner.Bytes()...)

		if action.Index.ID == s.rejectID {
			hadErrors = true
			items = append(items, map[string]itemResult{"index": {
				ID:     action.Index.ID,
				Status: 400,
				Error:  json.RawMessage(`{"type":"mapper_parsing_exception","reason":"failed to parse field"}`),
			}})
			continue
		}
		if s.docs[action.Index.Index] == nil {
			s.docs[action.Index.Index] = map[string]json.RawMessage{}
		}
		s.docs[action.Index.Index][action.Index.ID] = body
		items = append(items, map[string]itemResult{"index": {ID: action.Index.ID, Status: 200}})
	}

	resp, _ := json.Marshal(map[string]interface{}{"errors": hadErrors, "items": items})
	w.Write(resp)
}

func stubLoader(t *testing.T) (*ElasticLoader, *elasticStub) {
	t.Helper()
	stub := newElasticStub()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{srv.URL},
		DisableRetry: true,
	})
	if err != nil {
		t.Fatalf("elasticsearch client: %v", err)
	}
	return NewElasticLoader(es, "catalog_"), stub
}

func TestElasticLoaderBulkUpsert(t *testing.T) {
	loader, stub := stubLoader(t)

	docs := []Document{
		{ID: "f1", Body: []byte(`{"id":"f1","title":"One"}`)},
		{ID: "f2", Body: []byte(`{"id":"f2","title":"Two"}`)},
	}
	result, err := loader.Load(context.Background(), EntityMovies, docs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(result.Succeeded) != 2 || len(result.Failed) != 0 {
		t.Fatalf("expected 2 successes, got %+v", result)
	}
	if got := stub.docs["catalog_movies"]["f1"]; !bytes.Equal(got, docs[0].Body) {
		t.Fatalf("stored body mismatch: %s", got)
	}

	// A repeat load overwrites in place.
	if _, err := loader.Load(context.Background(), EntityMovies, docs); err != nil {
		t.Fatalf("repeat load: %v", err)
	}
	if len(stub.docs["catalog_movies"]) != 2 {
		t.Fatalf("repeat load must not duplicate, got %d docs", len(stub.docs["catalog_movies"]))
	}
}

func TestElasticLoaderPerDocumentRejection(t *testing.T) {
	loader, stub := stubLoader(t)
	stub.rejectID = "f2"

	docs := []Document{
		{ID: "f1", Body: []byte(`{"id":"f1"}`)},
		{ID: "f2", Body: []byte(`{"id":"f2"}`)},
		{ID: "f3", Body: []byte(`{"id":"f3"}`)},
	}
	result, err := loader.Load(context.Background(), EntityMovies, docs)
	if err != nil {
		t.Fatalf("per-document rejection must not fail the batch: %v", err)
	}
	if len(result.Succeeded) != 2 {
		t.Fatalf("expected 2 successes, got %v", result.Succeeded)
	}
	reason, ok := result.Failed["f2"]
	if !ok || !strings.Contains(reason, "mapper_parsing_exception") {
		t.Fatalf("expected mapper rejection for f2, got %+v", result.Failed)
	}
}

func TestElasticLoaderTransportFailure(t *testing.T) {
	loader, stub := stubLoader(t)
	stub.failAll = true

	_, err := loader.Load(context.Background(), EntityMovies, []Document{
		{ID: "f1", Body: []byte(`{"id":"f1"}`)},
	})
	var sinkErr *SinkUnavailableError
	if !errors.As(err, &sinkErr) {
		t.Fatalf("expected SinkUnavailableError, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("sink failure must be transient")
	}
}

func TestElasticLoaderEmptyBatchSendsNothing(t *testing.T) {
	loader, stub := stubLoader(t)

	result, err := loader.Load(context.Background(), EntityMovies, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(result.Succeeded) != 0 || len(result.Failed) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if stub.bulkCalls != 0 {
		t.Fatalf("empty batch must not hit the bulk endpoint")
	}
}

func TestElasticLoaderEnsureIndexes(t *testing.T) {
	loader, stub := stubLoader(t)
	stub.indexes["catalog_genres"] = true

	err := loader.EnsureIndexes(context.Background(), []string{EntityMovies, EntityGenres, EntityPersons})
	if err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	if !stub.indexes["catalog_movies"] || !stub.indexes["catalog_persons"] {
		t.Fatalf("missing indexes were not created: %v", stub.indexes)
	}
	// The pre-existing genres index is left alone.
	if stub.createCalls != 2 {
		t.Fatalf("expected 2 index creations, got %d", stub.createCalls)
	}
}

func TestElasticLoaderEnsureIndexesRetriesAfterTransientFailure(t *testing.T) {
	loader, stub := stubLoader(t)
	stub.failAll = true

	err := loader.EnsureIndexes(context.Background(), []string{EntityMovies})
	if err == nil {
		t.Fatalf("bootstrap against a failing cluster must error")
	}
	if !IsTransient(err) {
		t.Fatalf("bootstrap failure must be retryable, got %v", err)
	}
	if stub.indexes["catalog_movies"] {
		t.Fatalf("failed bootstrap must not record an index")
	}

	// The cluster recovers and the same call succeeds.
	stub.failAll = false
	if err := loader.EnsureIndexes(context.Background(), []string{EntityMovies}); err != nil {
		t.Fatalf("bootstrap after recovery: %v", err)
	}
	if !stub.indexes["catalog_movies"] {
		t.Fatalf("index not created after recovery")
	}
}

func TestElasticLoaderReady(t *testing.T) {
	loader, stub := stubLoader(t)

	if err := loader.Ready(context.Background()); err != nil {
		t.Fatalf("ready: %v", err)
	}

	stub.failAll = true
	if err := loader.Ready(context.Background()); err == nil {
		t.Fatalf("expected readiness failure")
	}
}
