package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/joho/godotenv"
)

var (
	es *elasticsearch.Client
)

func GetElastic() *elasticsearch.Client {
	return es
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// ConnectElasticWithRetry connects and sets the global Elasticsearch client.
// Call this from main() AFTER the HTTP server is listening.
func ConnectElasticWithRetry() {
	addresses := splitAndTrim(os.Getenv("ELASTIC_ADDRESSES"))
	if len(addresses) == 0 {
		addresses = []string{"http://localhost:9200"}
		log.Printf("ELASTIC_ADDRESSES not set; defaulting to %s", addresses[0])
	}

	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  strings.TrimSpace(os.Getenv("ELASTIC_USERNAME")),
		Password:  os.Getenv("ELASTIC_PASSWORD"),
	}

	ctx := context.Background()
	var attempt int
	for {
		attempt++
		client, err := elasticsearch.NewClient(cfg)
		if err == nil {
			err = pingElastic(ctx, client)
		}
		if err == nil {
			es = client
			log.Printf("connected to elasticsearch (attempt=%d addrs=%v)", attempt, addresses)
			return
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		LogError(GetLogger(), "config", "ConnectElasticWithRetry", fmt.Sprintf("attempt=%d; retrying in %s", attempt, sleep), nil, err)
		time.Sleep(sleep)
	}
}

// PingElastic is the readiness probe for the search index.
func PingElastic(ctx context.Context) error {
	if es == nil {
		return fmt.Errorf("elasticsearch not connected")
	}
	return pingElastic(ctx, es)
}

func pingElastic(ctx context.Context, client *elasticsearch.Client) error {
	res, err := client.Ping(client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}
