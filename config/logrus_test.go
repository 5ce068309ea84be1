package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogErrorFields(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(&buf)

	LogError(log, "config", "ConnectDatabaseWithRetry", "attempt=1; retrying in 2s", nil, errors.New("dial tcp: connection refused"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["module"] != "config" || entry["funcName"] != "ConnectDatabaseWithRetry" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["context"] != "attempt=1; retrying in 2s" {
		t.Fatalf("context field missing: %v", entry)
	}
	if _, hasData := entry["data"]; hasData {
		t.Fatalf("nil data must not be logged: %v", entry)
	}

	buf.Reset()
	LogError(log, "config", "ConnectRedisWithRetry", "attempt=2", map[string]string{"addr": "localhost:6379"}, errors.New("timeout"))
	entry = nil
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if _, hasData := entry["data"]; !hasData {
		t.Fatalf("data field missing: %v", entry)
	}
}
