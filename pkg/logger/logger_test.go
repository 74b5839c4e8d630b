package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewSetsLevelAndFormat(t *testing.T) {
	cfg := LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}
	log := New("pool", cfg)
	if log.GetLevel().String() != "debug" {
		t.Fatalf("expected level debug, got %s", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter, got %T", log.Formatter)
	}
}

func TestNewCreatesLogFile(t *testing.T) {
	originalWD, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(originalWD) })

	temp := t.TempDir()
	if err := os.Chdir(temp); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	log := New("scheduler", LoggingConfig{Level: "info", Format: "text", Output: "file", FilePrefix: "test"})
	log.Info("hello")

	path := filepath.Join("logs", "test.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected log file to contain data")
	}
}

func TestWithFieldTagsComponentAndKey(t *testing.T) {
	log := NewDefault("mixcoordinator")
	entry := log.WithMixID("mix-123")
	if entry.Data["component"] != "mixcoordinator" {
		t.Fatalf("expected component field to be set, got %v", entry.Data["component"])
	}
	if entry.Data["mix_id"] != "mix-123" {
		t.Fatalf("expected mix_id field to be set, got %v", entry.Data["mix_id"])
	}
}

func TestWithOperationIDTagsField(t *testing.T) {
	log := NewDefault("scheduler")
	entry := log.WithOperationID("op-9")
	if entry.Data["operation_id"] != "op-9" {
		t.Fatalf("expected operation_id field to be set, got %v", entry.Data["operation_id"])
	}
}

func TestWithFieldsTagsComponent(t *testing.T) {
	log := NewDefault("confirm")
	entry := log.WithFields(map[string]interface{}{"currency": "BTC"})
	if entry.Data["component"] != "confirm" {
		t.Fatalf("expected component field to be set, got %v", entry.Data["component"])
	}
	if entry.Data["currency"] != "BTC" {
		t.Fatalf("expected currency field to be set, got %v", entry.Data["currency"])
	}
}
