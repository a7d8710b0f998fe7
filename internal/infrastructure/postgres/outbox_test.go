package postgres

import (
	"encoding/json"
	"testing"
)

func TestNewEntry(t *testing.T) {
	payload := map[string]string{"prescription_id": "rx-1", "status": "signed"}
	entry, err := NewEntry("clinic_1", "prescription", "rx-1", "PrescriptionSigned", "prescription.events", payload)
	if err != nil {
		t.Fatalf("NewEntry() error = %v", err)
	}

	if entry.TenantID != "clinic_1" || entry.KafkaTopic != "prescription.events" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.KafkaKey != "rx-1" {
		t.Errorf("KafkaKey = %q, want aggregate id", entry.KafkaKey)
	}

	var decoded map[string]string
	if err := json.Unmarshal(entry.Payload, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded["status"] != "signed" {
		t.Errorf("payload = %v", decoded)
	}
}

func TestNewEntryRejectsUnencodable(t *testing.T) {
	if _, err := NewEntry("t", "x", "1", "E", "topic", make(chan int)); err == nil {
		t.Error("expected error for unencodable payload")
	}
}

func TestDefaultOutboxConfig(t *testing.T) {
	cfg := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 || cfg.MaxRetries <= 0 || cfg.PollInterval <= 0 {
		t.Errorf("defaults must be positive: %+v", cfg)
	}
	if cfg.DeadLetterTopic == "" {
		t.Error("dead letter topic must be set")
	}
}
