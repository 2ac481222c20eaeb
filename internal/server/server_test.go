package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"distasks/internal/dispatch"
	"distasks/internal/progress"
	"distasks/internal/session"
)

func testDeps(t *testing.T, apiEnabled bool) Deps {
	t.Helper()
	store := progress.New(0)
	d := dispatch.New(store, func(n dispatch.JobNumber) (dispatch.JobPayload, error) {
		return json.Marshal(map[string]uint64{"n": uint64(n)})
	})
	registry := session.NewRegistry()

	zipPath := filepath.Join(t.TempDir(), "assets.zip")
	if err := os.WriteFile(zipPath, []byte("zipcontent"), 0o644); err != nil {
		t.Fatal(err)
	}

	return Deps{
		DB:         nil,
		Dispatcher: d,
		Registry:   registry,
		SessionCfg: func() session.Config {
			return session.Config{
				Dispatcher: d,
				Record:     func(dispatch.JobNumber) error { return nil },
				Registry:   registry,
				Logger:     zerolog.Nop(),
			}
		},
		Version:      "1.0.0",
		AssetZipPath: zipPath,
		APIEnabled:   apiEnabled,
		Logger:       zerolog.Nop(),
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv := httptest.NewServer(New(testDeps(t, true)))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/version")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var buf [32]byte
	n, _ := resp.Body.Read(buf[:])
	if string(buf[:n]) != "1.0.0" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestAssetsZipEndpoint(t *testing.T) {
	srv := httptest.NewServer(New(testDeps(t, true)))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/assets.zip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestStatusEndpoint_Disabled(t *testing.T) {
	srv := httptest.NewServer(New(testDeps(t, false)))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestStatusEndpoint_Enabled(t *testing.T) {
	srv := httptest.NewServer(New(testDeps(t, true)))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Progress != 0 {
		t.Fatalf("expected progress 0, got %d", body.Progress)
	}
}

func TestWSEndpoint_ReadyThenTask(t *testing.T) {
	srv := httptest.NewServer(New(testDeps(t, true)))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "ready" {
		t.Fatalf("expected ready frame, got %q %v", msg, err)
	}

	if err := conn.WriteJSON(map[string]string{"name": "w1"}); err != nil {
		t.Fatalf("send identify: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, taskData, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read task: %v", err)
	}
	var task map[string]uint64
	if err := json.Unmarshal(taskData, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task["n"] != 0 {
		t.Fatalf("expected first task n=0, got %v", task)
	}
}
