// Command distasksd runs a distasks server: it hands out job payloads to
// connected workers over the control websocket, tracks completion in a
// compact progress store, and periodically reconciles gaps left by
// workers that disconnected mid-task.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"distasks/internal/auth"
	"distasks/internal/completionlog"
	"distasks/internal/config"
	"distasks/internal/db"
	"distasks/internal/dispatch"
	"distasks/internal/logx"
	"distasks/internal/progress"
	"distasks/internal/reconcile"
	"distasks/internal/secrets"
	"distasks/internal/server"
	"distasks/internal/session"
	"distasks/internal/sharedsecret"
)

func main() {
	listenAddr := flag.String("listen", ":8080", "address to listen on")
	dbPath := flag.String("db", "distasksd.db", "path to the sqlite database for ambient storage")
	saveFilename := flag.String("progress-file", "progress.dat", "path to the progress store file")
	startAt := flag.Uint64("start-at", 0, "first job number to hand out on a fresh progress store")
	jobsFile := flag.String("jobs-file", "", "optional newline-delimited JSON file; line n is the payload for job number n")
	assetZipPath := flag.String("assets", "assets.zip", "path to the asset bundle served at /assets.zip")
	version := flag.String("version", "0.0.1", "asset version string served at /version")
	apiEnabled := flag.Bool("api", true, "enable /api/status")
	reconcileInterval := flag.Duration("reconcile-interval", 5*time.Second, "gap reconciliation cadence")
	strictProgress := flag.Bool("strict-progress-file", false, "fail startup instead of resetting on a corrupt progress file")
	flag.Parse()

	log.Logger = zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger()

	sqlDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=foreign_keys(1)", *dbPath))
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer sqlDB.Close()
	if err := db.Init(sqlDB); err != nil {
		log.Fatal().Err(err).Msg("init db")
	}
	if err := db.Migrate(sqlDB); err != nil {
		log.Fatal().Err(err).Msg("migrate db")
	}

	ctx := context.Background()
	km, err := secrets.Load(ctx, sqlDB)
	if err != nil {
		log.Fatal().Err(err).Msg("load master key")
	}
	if err := secrets.VerifyAll(ctx, sqlDB, km); err != nil {
		log.Fatal().Err(err).Msg("verify stored secrets")
	}
	svc := secrets.NewService(sqlDB, km)
	sharedsecret.Init(svc)

	store, err := progress.Load(*saveFilename, progress.JobNumber(*startAt), *strictProgress)
	if err != nil {
		log.Fatal().Err(err).Msg("load progress store")
	}

	jobSource := newJobSource(*jobsFile)

	cfg := config.Config{
		AssetZipPath:      *assetZipPath,
		Version:           *version,
		SaveFilename:      *saveFilename,
		StartAt:           *startAt,
		APIEnabled:        *apiEnabled,
		GetJob:            jobSource,
		ReconcileInterval: reconcileInterval.String(),
		ListenAddr:        *listenAddr,
	}
	if fields, err := config.Validate(cfg); err != nil {
		log.Fatal().Interface("fields", fields).Err(err).Msg("invalid server configuration")
	}

	d := dispatch.New(store, jobSource)

	record := func(num dispatch.JobNumber) error {
		store.Add(num)
		return store.SaveAtomic(*saveFilename)
	}

	clog := completionlog.New(sqlDB, log.Logger)
	onComplete := clog.OnComplete(nil)

	registry := session.NewRegistry()

	rec := reconcile.New(store, d, jobSource, log.Logger)
	if err := rec.Start(*reconcileInterval); err != nil {
		log.Fatal().Err(err).Msg("start reconciler")
	}
	defer rec.Stop()

	verify := auth.SharedSecretVerifier(func(ctx context.Context) (string, error) {
		return sharedsecret.Get(ctx)
	})
	if ok, _ := sharedsecret.Exists(ctx); !ok {
		log.Warn().Msg("no shared secret configured, rejecting all worker connections until one is set")
	}
	cfg.VerifyClient = verify
	cfg.OnComplete = onComplete

	deps := server.Deps{
		DB:         sqlDB,
		Dispatcher: d,
		Registry:   registry,
		SessionCfg: func() session.Config {
			return session.Config{
				Dispatcher: d,
				Record:     record,
				Verify:     cfg.VerifyClient,
				OnComplete: cfg.OnComplete,
				Registry:   registry,
				Logger:     log.Logger,
			}
		},
		Version:      cfg.Version,
		AssetZipPath: cfg.AssetZipPath,
		APIEnabled:   cfg.APIEnabled,
		Logger:       log.Logger,
	}

	log.Info().Str("addr", cfg.ListenAddr).Msg("distasks server starting")
	if err := http.ListenAndServe(cfg.ListenAddr, server.New(deps)); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
}

// newJobSource builds a dispatch.JobSource. With no jobs file it hands
// out a trivial {"n": <num>} payload, useful for local testing or a
// worker whose task.sh only needs the job number itself. With a jobs
// file it serves line n (0-indexed) as the raw JSON payload for job n.
func newJobSource(jobsFile string) dispatch.JobSource {
	if jobsFile == "" {
		return func(n dispatch.JobNumber) (dispatch.JobPayload, error) {
			return json.Marshal(map[string]uint64{"n": uint64(n)})
		}
	}
	lines, err := readLines(jobsFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", jobsFile).Msg("read jobs file")
	}
	return func(n dispatch.JobNumber) (dispatch.JobPayload, error) {
		if int(n) >= len(lines) {
			return nil, fmt.Errorf("no job defined for number %d", n)
		}
		return dispatch.JobPayload(lines[n]), nil
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
