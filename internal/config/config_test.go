package config

import (
	"encoding/json"
	"testing"

	"distasks/internal/dispatch"
)

func validConfig() Config {
	return Config{
		AssetZipPath: "assets.zip",
		Version:      "1.0.0",
		ListenAddr:   ":8080",
		GetJob: func(n dispatch.JobNumber) (dispatch.JobPayload, error) {
			return json.Marshal(map[string]uint64{"n": uint64(n)})
		},
	}
}

func TestValidate_ServerConfigOK(t *testing.T) {
	if fields, err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v (%v)", err, fields)
	}
}

func TestValidate_ServerConfigMissingRequiredFields(t *testing.T) {
	cfg := validConfig()
	cfg.AssetZipPath = ""
	cfg.ListenAddr = ""
	cfg.GetJob = nil

	fields, err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"assetzippath", "listenaddr", "getjob"} {
		if _, ok := fields[want]; !ok {
			t.Errorf("expected field %q to be reported invalid, got %v", want, fields)
		}
	}
}

func validWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Host:          "localhost:8080",
		Name:          "worker-1",
		VersionFile:   "version.txt",
		TaskAssetsDir: "task_assets",
	}
}

func TestValidate_WorkerConfigOK(t *testing.T) {
	if fields, err := Validate(validWorkerConfig()); err != nil {
		t.Fatalf("expected valid config, got %v (%v)", err, fields)
	}
}

func TestValidate_WorkerConfigMissingRequiredFields(t *testing.T) {
	cfg := validWorkerConfig()
	cfg.Host = ""
	cfg.Name = ""

	fields, err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"host", "name"} {
		if _, ok := fields[want]; !ok {
			t.Errorf("expected field %q to be reported invalid, got %v", want, fields)
		}
	}
}
