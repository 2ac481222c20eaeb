// Command distasks-worker connects to a distasks server, keeps its local
// task assets up to date, and runs whatever tasks the server assigns it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"distasks/internal/config"
	"distasks/internal/logx"
	"distasks/internal/worker"
)

func main() {
	host := flag.String("host", "", "server host, e.g. dispatch.example.com or localhost:8080")
	name := flag.String("name", "", "this worker's name, sent in the identify payload")
	pwd := flag.String("pwd", "", "shared secret sent under the identify payload's \"pwd\" field")
	useHTTP := flag.Bool("insecure", false, "use http/ws instead of https/wss")
	versionFile := flag.String("version-file", "version.txt", "path recording the currently installed asset version")
	taskAssetsDir := flag.String("task-assets", "task_assets", "directory the asset bundle is extracted into")
	alwaysUpdate := flag.Bool("always-update", true, "re-download the asset bundle on every startup")
	flag.Parse()

	if *host == "" || *name == "" {
		flag.Usage()
		os.Exit(2)
	}

	log := zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger()

	extra := map[string]any{}
	if *pwd != "" {
		extra["pwd"] = *pwd
	}

	cfg := config.WorkerConfig{
		Host:          *host,
		Name:          *name,
		UseHTTP:       *useHTTP,
		VersionFile:   *versionFile,
		TaskAssetsDir: *taskAssetsDir,
		IdentifyExtra: extra,
		AlwaysUpdate:  *alwaysUpdate,
	}
	if fields, err := config.Validate(cfg); err != nil {
		log.Fatal().Interface("fields", fields).Err(err).Msg("invalid worker configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg, log)
	if err := w.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker exited")
	}
}
