package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"distasks/internal/config"
)

func TestCheckAndUpdate_DownloadsWhenVersionDiffers(t *testing.T) {
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	fw, _ := zw.Create("task.sh")
	fw.Write([]byte("#!/bin/sh\necho hi\n"))
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/version":
			w.Write([]byte("v2"))
		case "/assets.zip":
			w.Write(zipBuf.Bytes())
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := config.WorkerConfig{
		Host:          strings.TrimPrefix(srv.URL, "http://"),
		Name:          "w1",
		UseHTTP:       true,
		VersionFile:   filepath.Join(dir, "version.txt"),
		TaskAssetsDir: filepath.Join(dir, "task_assets"),
		AlwaysUpdate:  false,
	}
	os.WriteFile(cfg.VersionFile, []byte("v1"), 0o644)

	w := New(cfg, zerolog.Nop())
	if err := w.CheckAndUpdate(context.Background()); err != nil {
		t.Fatalf("checkandupdate: %v", err)
	}
	if w.CurrentVersion() != "v2" {
		t.Fatalf("expected version updated to v2, got %q", w.CurrentVersion())
	}
	if _, err := os.Stat(filepath.Join(cfg.TaskAssetsDir, "task.sh")); err != nil {
		t.Fatalf("expected task.sh extracted: %v", err)
	}
}

func TestCheckAndUpdate_SkipsWhenUpToDate(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/version" {
			w.Write([]byte("v1"))
		}
		if r.URL.Path == "/assets.zip" {
			calls++
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := config.WorkerConfig{
		Host:          strings.TrimPrefix(srv.URL, "http://"),
		Name:          "w1",
		UseHTTP:       true,
		VersionFile:   filepath.Join(dir, "version.txt"),
		TaskAssetsDir: filepath.Join(dir, "task_assets"),
		AlwaysUpdate:  false,
	}
	os.WriteFile(cfg.VersionFile, []byte("v1"), 0o644)

	w := New(cfg, zerolog.Nop())
	if err := w.CheckAndUpdate(context.Background()); err != nil {
		t.Fatalf("checkandupdate: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no download, got %d calls", calls)
	}
}

type fakeRunner struct {
	result json.RawMessage
	err    error
	got    string
}

func (f *fakeRunner) Run(ctx context.Context, taskData string) (json.RawMessage, error) {
	f.got = taskData
	return f.result, f.err
}

func TestWorkForever_IdentifiesAndRunsOneTask(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("ready"))

		var identify map[string]any
		if err := conn.ReadJSON(&identify); err != nil {
			t.Errorf("read identify: %v", err)
			return
		}
		if identify["name"] != "w1" || identify["pwd"] != "s3cret" {
			t.Errorf("unexpected identify: %v", identify)
		}

		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read result: %v", err)
			return
		}
		received <- string(msg)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := config.WorkerConfig{
		Host:          strings.TrimPrefix(srv.URL, "http://"),
		Name:          "w1",
		UseHTTP:       true,
		VersionFile:   filepath.Join(dir, "version.txt"),
		TaskAssetsDir: filepath.Join(dir, "task_assets"),
		IdentifyExtra: map[string]any{"pwd": "s3cret"},
	}
	w := New(cfg, zerolog.Nop())
	fr := &fakeRunner{result: json.RawMessage(`"done"`)}
	w.runner = fr

	err := w.WorkForever(context.Background())
	if err == nil {
		t.Fatalf("expected WorkForever to return an error once the server closes the connection")
	}

	select {
	case got := <-received:
		if got != `"done"` {
			t.Fatalf("got %q", got)
		}
	default:
		t.Fatalf("server never received a result")
	}
	if fr.got != `{"n":1}` {
		t.Fatalf("runner got unexpected task data: %q", fr.got)
	}
}
