package searchsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
)

// Loader bulk-upserts documents into the search index. Upsert semantics
// make repeated loads of the same document idempotent. Per-document
// rejections come back in the LoadResult; only a whole-batch transport
// failure is an error.
type Loader interface {
	Load(ctx context.Context, entityType string, docs []Document) (LoadResult, error)
	Ready(ctx context.Context) error
}

type ElasticLoader struct {
	es          *elasticsearch.Client
	indexPrefix string
}

func NewElasticLoader(es *elasticsearch.Client, indexPrefix string) *ElasticLoader {
	return &ElasticLoader{es: es, indexPrefix: indexPrefix}
}

func (l *ElasticLoader) indexName(entityType string) string {
	return l.indexPrefix + entityType
}

type bulkItemResult struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

type bulkResponse struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

func (l *ElasticLoader) Load(ctx context.Context, entityType string, docs []Document) (LoadResult, error) {
	result := LoadResult{Failed: map[string]string{}}
	if len(docs) == 0 {
		return result, nil
	}

	var body bytes.Buffer
	for _, doc := range docs {
		meta, _ := json.Marshal(map[string]map[string]string{
			"index": {"_index": l.indexName(entityType), "_id": doc.ID},
		})
		body.Write(meta)
		body.WriteByte('\n')
		body.Write(doc.Body)
		body.WriteByte('\n')
	}

	res, err := l.es.Bulk(bytes.NewReader(body.Bytes()), l.es.Bulk.WithContext(ctx))
	if err != nil {
		return result, &SinkUnavailableError{Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return result, &SinkUnavailableError{Err: fmt.Errorf("bulk request failed: %s %s", res.Status(), strings.TrimSpace(string(raw)))}
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return result, &SinkUnavailableError{Err: fmt.Errorf("bulk response decode: %w", err)}
	}

	for _, item := range parsed.Items {
		// One action per item; the key is the action name ("index").
		for _, ir := range item {
			if ir.Status >= 200 && ir.Status < 300 {
				result.Succeeded = append(result.Succeeded, ir.ID)
			} else {
				reason := fmt.Sprintf("status %d", ir.Status)
				if ir.Error != nil {
					reason = fmt.Sprintf("%s: %s", ir.Error.Type, ir.Error.Reason)
				}
				result.Failed[ir.ID] = reason
			}
		}
	}
	return result, nil
}

func (l *ElasticLoader) Ready(ctx context.Context) error {
	res, err := l.es.Ping(l.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}

// EnsureIndexes creates each entity type's index with its expected
// mapping if it does not exist yet. Consulted once at startup.
func (l *ElasticLoader) EnsureIndexes(ctx context.Context, entityTypes []string) error {
	for _, entityType := range entityTypes {
		mapping, ok := indexMappings[entityType]
		if !ok {
			return fmt.Errorf("no index mapping for entity type %q", entityType)
		}
		if err := l.ensureIndex(ctx, l.indexName(entityType), mapping); err != nil {
			return err
		}
	}
	return nil
}

func (l *ElasticLoader) ensureIndex(ctx context.Context, index string, mapping string) error {
	res, err := l.es.Indices.Exists([]string{index}, l.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return &SinkUnavailableError{Err: err}
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}
	if res.StatusCode != 404 {
		return &SinkUnavailableError{Err: fmt.Errorf("index exists check %s: %s", index, res.Status())}
	}

	createRes, err := l.es.Indices.Create(index,
		l.es.Indices.Create.WithContext(ctx),
		l.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return &SinkUnavailableError{Err: err}
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		raw, _ := io.ReadAll(createRes.Body)
		// Another instance may have created it concurrently.
		if strings.Contains(string(raw), "resource_already_exists_exception") {
			return nil
		}
		return &SinkUnavailableError{Err: fmt.Errorf("index create %s: %s %s", index, createRes.Status(), strings.TrimSpace(string(raw)))}
	}
	return nil
}

var indexMappings = map[string]string{
	EntityMovies: `{
		"mappings": {
			"properties": {
				"id":          {"type": "keyword"},
				"title":       {"type": "text"},
				"description": {"type": "text"},
				"rating":      {"type": "float"},
				"genres":      {"type": "keyword"},
				"persons": {
					"type": "nested",
					"properties": {
						"id":   {"type": "keyword"},
						"name": {"type": "text"},
						"role": {"type": "keyword"}
					}
				}
			}
		}
	}`,
	EntityGenres: `{
		"mappings": {
			"properties": {
				"id":          {"type": "keyword"},
				"name":        {"type": "text"},
				"description": {"type": "text"}
			}
		}
	}`,
	EntityPersons: `{
		"mappings": {
			"properties": {
				"id":        {"type": "keyword"},
				"full_name": {"type": "text"}
			}
		}
	}`,
}
