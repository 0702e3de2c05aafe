// Copyright 2025 James Ross
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/classifier"
	"github.com/hybridrag/hybridrag/internal/config"
	"github.com/hybridrag/hybridrag/internal/dispatcher"
	"github.com/hybridrag/hybridrag/internal/engine"
	"github.com/hybridrag/hybridrag/internal/ingest"
	"github.com/hybridrag/hybridrag/internal/ledger"
	"github.com/hybridrag/hybridrag/internal/migration"
	"github.com/hybridrag/hybridrag/internal/obs"
	"github.com/hybridrag/hybridrag/internal/registry"
	"github.com/hybridrag/hybridrag/internal/supervisor"
)

// Exit codes: 0 success, 1 input-error, 2 not-found, 3 conflict,
// 4 busy/timeout, 5 backend-unavailable, 6 verification-failed.
const (
	exitOK                 = 0
	exitInputError         = 1
	exitNotFound           = 2
	exitConflict           = 3
	exitBusy               = 4
	exitBackendUnavailable = 5
	exitVerificationFailed = 6
)

const usage = `usage: hybridrag <command> [args]

commands:
  db        register|unregister|list|show|update|sync
  watcher   start|stop|status [--all] [--persistent]
  ingest    --database <name> --path <dir|file> [--incremental] [--fresh]
  backend   status|init|setup-container
  migrate   <name> --to <backend_type> [--resume] [--verify] [--batch-size N] [--cancel]
  query     --database <name> --text <q> [--mode local|global|hybrid|naive|multihop]
  interactive --database <name>
`

type app struct {
	cfg    *config.Config
	log    *zap.Logger
	reg    *registry.Registry
	fact   *backend.Factory
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitInputError
	}

	configPath := os.Getenv("HYBRIDRAG_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitInputError
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return exitInputError
	}
	defer logger.Sync()

	a := &app{
		cfg:  cfg,
		log:  logger,
		reg:  registry.New(registry.ResolvePath(cfg.Registry.Path), cfg.Registry.LockTimeout, logger),
		fact: backend.NewFactory(logger),
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "db":
		err = a.cmdDB(rest)
	case "watcher":
		err = a.cmdWatcher(rest)
	case "ingest":
		err = a.cmdIngest(rest)
	case "backend":
		err = a.cmdBackend(rest)
	case "migrate":
		err = a.cmdMigrate(rest)
	case "query":
		err = a.cmdQuery(rest)
	case "interactive":
		err = a.cmdInteractive(rest)
	default:
		fmt.Fprint(os.Stderr, usage)
		return exitInputError
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hybridrag %s: %v\n", cmd, err)
		return exitCodeFor(err)
	}
	return exitOK
}

// exitCodeFor translates the error taxonomy onto the CLI exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return exitNotFound
	case errors.Is(err, registry.ErrConflict), errors.Is(err, migration.ErrInProgress):
		return exitConflict
	case errors.Is(err, registry.ErrBusy), errors.Is(err, ingest.ErrBusy), errors.Is(err, migration.ErrPauseFailed):
		return exitBusy
	case errors.Is(err, migration.ErrVerificationFailed):
		return exitVerificationFailed
	case errors.Is(err, registry.ErrInvalid):
		return exitInputError
	}
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		if engErr.Kind == engine.KindBackendUnavailable {
			return exitBackendUnavailable
		}
		return exitInputError
	}
	if errors.Is(err, os.ErrNotExist) {
		return exitNotFound
	}
	return exitInputError
}

func (a *app) cmdDB(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("db: subcommand required (register|unregister|list|show|update|sync)")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "register":
		return a.dbRegister(rest)
	case "unregister":
		return a.dbUnregister(rest)
	case "list":
		return a.dbList(rest)
	case "show":
		return a.dbShow(rest)
	case "update":
		return a.dbUpdate(rest)
	case "sync":
		entries, err := a.reg.List()
		if err != nil {
			return err
		}
		fmt.Printf("registry ok: %d database(s)\n", len(entries))
		return nil
	default:
		return fmt.Errorf("db: unknown subcommand %q", sub)
	}
}

func (a *app) dbRegister(args []string) error {
	fs := flag.NewFlagSet("db register", flag.ContinueOnError)
	var (
		name          = fs.String("name", "", "unique database name")
		path          = fs.String("path", "", "absolute working directory")
		sourceFolder  = fs.String("source-folder", "", "root to watch")
		sourceType    = fs.String("source-type", "generic", "generic|conversation-extraction|api-pulled|schema")
		extensions    = fs.String("extensions", "", "comma-separated file extension allow-list")
		recursive     = fs.Bool("recursive", true, "recurse into subdirectories")
		autoWatch     = fs.Bool("auto-watch", false, "start a watcher by default")
		watchInterval = fs.Int("watch-interval", 60, "polling cadence in seconds")
		backendType   = fs.String("backend", string(registry.BackendFileBased), "backend type")
		backendJSON   = fs.String("backend-config", "", "backend config as JSON")
		llmModel      = fs.String("llm-model", "", "LLM model name")
		embedModel    = fs.String("embedding-model", "", "embedding model name")
		embedDim      = fs.Int("embedding-dim", 0, "embedding output width")
		description   = fs.String("description", "", "free text")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	entry := registry.DatabaseEntry{
		Name:                 registry.Name(*name),
		Path:                 *path,
		SourceFolder:         *sourceFolder,
		SourceType:           registry.SourceType(*sourceType),
		Recursive:            *recursive,
		AutoWatch:            *autoWatch,
		WatchIntervalSeconds: *watchInterval,
		BackendType:          registry.BackendType(*backendType),
		ModelConfig: registry.ModelConfig{
			LLMModel:       *llmModel,
			EmbeddingModel: *embedModel,
			EmbeddingDim:   *embedDim,
		},
		Description: *description,
	}
	if *extensions != "" {
		entry.FileExtensions = strings.Split(*extensions, ",")
	}
	if *backendJSON != "" {
		if err := json.Unmarshal([]byte(*backendJSON), &entry.BackendConfig); err != nil {
			return fmt.Errorf("%w: backend-config: %v", registry.ErrInvalid, err)
		}
	}
	if err := a.reg.Register(entry); err != nil {
		return err
	}
	fmt.Printf("registered %s (backend %s)\n", entry.Name, entry.BackendType)
	return nil
}

func (a *app) dbUnregister(args []string) error {
	fs := flag.NewFlagSet("db unregister", flag.ContinueOnError)
	name := fs.String("name", "", "database name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.reg.Unregister(registry.Name(*name)); err != nil {
		return err
	}
	fmt.Printf("unregistered %s (on-disk data untouched)\n", *name)
	return nil
}

func (a *app) dbList(args []string) error {
	fs := flag.NewFlagSet("db list", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := a.reg.List()
	if err != nil {
		return err
	}
	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	for _, e := range entries {
		watch := ""
		if e.AutoWatch {
			watch = " [auto-watch]"
		}
		fmt.Printf("%-24s %-18s %s%s\n", e.Name, e.BackendType, e.Path, watch)
	}
	return nil
}

func (a *app) dbShow(args []string) error {
	fs := flag.NewFlagSet("db show", flag.ContinueOnError)
	name := fs.String("name", "", "database name")
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entry, err := a.reg.Show(registry.Name(*name))
	if err != nil {
		return err
	}
	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(entry)
	}
	out, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	return nil
}

func (a *app) dbUpdate(args []string) error {
	fs := flag.NewFlagSet("db update", flag.ContinueOnError)
	name := fs.String("name", "", "database name")
	field := fs.String("field", "", "field to update")
	value := fs.String("value", "", "new value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, err := a.reg.Update(registry.Name(*name), func(e *registry.DatabaseEntry) error {
		switch *field {
		case "source_folder":
			e.SourceFolder = *value
		case "description":
			e.Description = *value
		case "auto_watch":
			b, err := strconv.ParseBool(*value)
			if err != nil {
				return fmt.Errorf("%w: auto_watch: %v", registry.ErrInvalid, err)
			}
			e.AutoWatch = b
		case "watch_interval":
			n, err := strconv.Atoi(*value)
			if err != nil {
				return fmt.Errorf("%w: watch_interval: %v", registry.ErrInvalid, err)
			}
			e.WatchIntervalSeconds = n
		case "backend_type":
			e.BackendType = registry.BackendType(*value)
		case "backend_config":
			var bc registry.BackendConfig
			if err := json.Unmarshal([]byte(*value), &bc); err != nil {
				return fmt.Errorf("%w: backend_config: %v", registry.ErrInvalid, err)
			}
			e.BackendConfig = bc
		case "embedding_dim":
			n, err := strconv.Atoi(*value)
			if err != nil {
				return fmt.Errorf("%w: embedding_dim: %v", registry.ErrInvalid, err)
			}
			e.ModelConfig.EmbeddingDim = n
		default:
			return fmt.Errorf("%w: unknown field %q", registry.ErrInvalid, *field)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Backend fields may have changed; drop any cached handle.
	a.fact.Invalidate(registry.Name(*name))
	fmt.Printf("updated %s.%s\n", *name, *field)
	return nil
}

func (a *app) cmdWatcher(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("watcher: subcommand required (start|stop|status)")
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("watcher "+sub, flag.ContinueOnError)
	name := fs.String("name", "", "database name")
	all := fs.Bool("all", false, "apply to all registered databases")
	persistent := fs.Bool("persistent", false, "install a persistent service unit")
	unitDir := fs.String("unit-dir", "/etc/systemd/system", "service unit directory")
	daemon := fs.String("daemon", "hybridrag-watcherd", "watcher daemon binary")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	sup := supervisor.New(a.cfg.StateDir.Path, *daemon, a.log)
	ctx := context.Background()

	switch sub {
	case "start":
		if *persistent {
			path, err := sup.InstallPersistentUnit(*unitDir)
			if err != nil {
				return err
			}
			fmt.Printf("installed %s; enable with: systemctl enable %s\n", path, supervisor.UnitName(registry.Name(*name)))
		}
		if *all {
			entries, err := a.reg.List()
			if err != nil {
				return err
			}
			for n, err := range sup.StartAll(ctx, entries, true) {
				printStartResult(n, false, err)
			}
			return nil
		}
		if *name == "" {
			return fmt.Errorf("watcher start: --name or --all required")
		}
		already, err := sup.Start(ctx, registry.Name(*name))
		if err != nil {
			return err
		}
		printStartResult(registry.Name(*name), already, nil)
		return nil
	case "stop":
		if *all {
			entries, err := a.reg.List()
			if err != nil {
				return err
			}
			for n, err := range sup.StopAll(entries) {
				if err != nil {
					fmt.Printf("%s: %v\n", n, err)
				} else {
					fmt.Printf("%s: stopped\n", n)
				}
			}
			return nil
		}
		if *name == "" {
			return fmt.Errorf("watcher stop: --name or --all required")
		}
		if err := sup.Stop(registry.Name(*name)); err != nil {
			return err
		}
		fmt.Printf("%s: stopped\n", *name)
		return nil
	case "status":
		entries, err := a.reg.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if *name != "" && e.Name != registry.Name(*name) {
				continue
			}
			st := sup.Status(e.Name)
			state := "not running"
			if st.Running {
				state = fmt.Sprintf("running (pid %d, heartbeat %s ago)", st.PID, time.Since(st.LastHeartbeat).Truncate(time.Second))
			} else if st.Stale {
				state = fmt.Sprintf("stale (pid %d)", st.PID)
			}
			fmt.Printf("%-24s %s\n", e.Name, state)
		}
		return nil
	default:
		return fmt.Errorf("watcher: unknown subcommand %q", sub)
	}
}

func printStartResult(name registry.Name, already bool, err error) {
	switch {
	case err != nil:
		fmt.Printf("%s: start failed: %v\n", name, err)
	case already:
		fmt.Printf("%s: already running\n", name)
	default:
		fmt.Printf("%s: started\n", name)
	}
}

// cmdIngest performs a one-shot scan-and-insert without a daemon: claim
// through the ledger, insert through the engine, complete or fail.
func (a *app) cmdIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	database := fs.String("database", "", "database name")
	path := fs.String("path", "", "directory or file to ingest")
	incremental := fs.Bool("incremental", false, "only files newer than the last scan")
	fresh := fs.Bool("fresh", false, "ignore delta timestamps and rescan everything")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *database == "" || *path == "" {
		return fmt.Errorf("ingest: --database and --path are required")
	}
	entry, err := a.reg.Resolve(registry.Name(*database))
	if err != nil {
		return err
	}

	lg, err := ledger.Open(filepath.Join(entry.Path, "processed_files.db"), a.log)
	if err != nil {
		return err
	}
	defer lg.Close()

	ctx := context.Background()
	handle, err := a.fact.Resolve(ctx, entry)
	if err != nil {
		return err
	}
	eng, err := engine.New(handle, entry.ModelConfig.EmbeddingDim, engine.NewClient(engine.ClientConfig{
		BaseURL: a.cfg.Engine.BaseURL,
		Timeout: a.cfg.Engine.Timeout,
	}))
	if err != nil {
		return err
	}

	clsf := classifier.New(classifier.BulkCutoff{OlderThan: 7 * 24 * time.Hour})
	deltaFile := filepath.Join(a.cfg.StateDir.Path, "deltas", "ingest-"+*database+".ts")
	var delta time.Time
	if *incremental && !*fresh {
		if raw, err := os.ReadFile(deltaFile); err == nil {
			if n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
				delta = time.Unix(0, n)
			}
		}
	}

	var candidates []string
	info, err := os.Stat(*path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = filepath.WalkDir(*path, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(*path, p)
			if !clsf.MatchesExtensions(entry, rel) {
				return nil
			}
			candidates = append(candidates, p)
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		candidates = []string{*path}
	}

	completed, skipped, failed := 0, 0, 0
	newDelta := delta
	for _, p := range candidates {
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !delta.IsZero() && !st.ModTime().After(delta) {
			skipped++
			continue
		}
		if st.ModTime().After(newDelta) {
			newDelta = st.ModTime()
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			a.log.Warn("read failed", obs.Err(err), zap.String("path", p))
			failed++
			continue
		}
		fp := ingest.Fingerprint(raw)
		ok, err := lg.Claim(fp, p, st.Size())
		if err != nil {
			return err
		}
		if !ok {
			skipped++
			continue
		}
		tier := clsf.TierFor(st.ModTime())
		chunks, err := clsf.Classify(entry, p, entry.Name.String(), st.ModTime())
		if err != nil {
			_ = lg.Fail(fp, err)
			failed++
			continue
		}
		if _, err := eng.Insert(ctx, tier, chunks); err != nil {
			_ = lg.Fail(fp, err)
			failed++
			continue
		}
		if err := lg.Complete(fp, tier == classifier.TierFast); err != nil {
			return err
		}
		completed++
	}

	if err := os.MkdirAll(filepath.Dir(deltaFile), 0o755); err == nil {
		_ = os.WriteFile(deltaFile, []byte(strconv.FormatInt(newDelta.UnixNano(), 10)), 0o644)
	}
	fmt.Printf("ingested %d, skipped %d (already seen or older than delta), failed %d\n", completed, skipped, failed)
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed ingestion; see ledger for details", failed)
	}
	return nil
}

func (a *app) cmdBackend(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("backend: subcommand required (status|init|setup-container)")
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("backend "+sub, flag.ContinueOnError)
	name := fs.String("name", "", "database name")
	backendType := fs.String("backend", string(registry.BackendServerV1), "backend type")
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch sub {
	case "status":
		if *name == "" {
			return fmt.Errorf("backend status: --name required")
		}
		entry, err := a.reg.Resolve(registry.Name(*name))
		if err != nil {
			return err
		}
		ctx := context.Background()
		handle, err := a.fact.Resolve(ctx, entry)
		if err != nil {
			return err
		}
		health, err := handle.HealthProbe(ctx)
		if err != nil {
			return err
		}
		metrics, err := handle.Metrics(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
				"database": *name,
				"health":   health,
				"metrics":  metrics,
			})
		}
		fmt.Printf("database:       %s\n", *name)
		fmt.Printf("backend_type:   %s\n", metrics.BackendType)
		fmt.Printf("connected:      %v (%.0fms)\n", health.Connected, float64(health.ConnectionLatency.Milliseconds()))
		fmt.Printf("total_size:     %d bytes\n", metrics.TotalSize)
		fmt.Printf("entities:       %d\n", metrics.EntityCount)
		fmt.Printf("relations:      %d\n", metrics.RelationCount)
		fmt.Printf("chunks:         %d\n", metrics.ChunkCount)
		fmt.Printf("documents:      %d\n", metrics.DocCount)
		for _, w := range metrics.Warnings {
			fmt.Printf("warning:        %s\n", w)
		}
		return nil
	case "init":
		if *name == "" {
			return fmt.Errorf("backend init: --name required")
		}
		entry, err := a.reg.Resolve(registry.Name(*name))
		if err != nil {
			return err
		}
		entry.BackendType = registry.BackendType(*backendType)
		store, err := migration.OpenStore(context.Background(), entry)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Printf("backend %s initialized for %s\n", *backendType, *name)
		return nil
	case "setup-container":
		fmt.Print(`start a local server backend with:

  docker run -d --name hybridrag-pg \
    -e POSTGRES_USER=hybridrag \
    -e POSTGRES_PASSWORD=<choose-one> \
    -e POSTGRES_DB=hybridrag \
    -p 5432:5432 \
    pgvector/pgvector:pg16

then register the backend config with password_ref pointing at an env
var or secret id, never the password itself:

  hybridrag db update --name <db> --field backend_config \
    --value '{"host":"localhost","port":5432,"user":"hybridrag","password_ref":"env://HYBRIDRAG_PG_PASSWORD","database":"hybridrag"}'
`)
		return nil
	default:
		return fmt.Errorf("backend: unknown subcommand %q", sub)
	}
}

func (a *app) cmdMigrate(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("migrate: database name required")
	}
	name := registry.Name(args[0])
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	to := fs.String("to", string(registry.BackendServerV1), "target backend type")
	resume := fs.Bool("resume", false, "resume from the last checkpoint")
	verify := fs.Bool("verify", false, "run the seeded spot-check in addition to count verification")
	batchSize := fs.Int("batch-size", 1000, "records per copy batch")
	cancel := fs.Bool("cancel", false, "cancel the running job at its next batch boundary")
	backendJSON := fs.String("backend-config", "", "target backend config as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	coord := migration.NewCoordinator(a.reg, a.fact,
		migration.NewFileWatcherControl(a.cfg.StateDir.Path), a.cfg.StateDir.Path, a.log)

	if *cancel {
		if err := coord.Cancel(name.String()); err != nil {
			return err
		}
		fmt.Printf("cancel requested for %s\n", name)
		return nil
	}

	var targetCfg registry.BackendConfig
	if *backendJSON != "" {
		if err := json.Unmarshal([]byte(*backendJSON), &targetCfg); err != nil {
			return fmt.Errorf("%w: backend-config: %v", registry.ErrInvalid, err)
		}
	} else if *resume {
		if job, err := coord.Status(name.String()); err == nil {
			targetCfg = job.TargetConfig
		}
	}

	opts := migration.Options{BatchSize: *batchSize, Resume: *resume}
	if *verify {
		opts.SpotCheckCount = migration.DefaultSpotCheckCount
	}
	job, err := coord.Run(context.Background(), name, registry.BackendType(*to), targetCfg, opts)
	if err != nil {
		if job != nil {
			fmt.Fprintf(os.Stderr, "job %s failed after migrating %d/%d records; resume with --resume\n",
				job.JobID, job.Counts.Migrated, job.Counts.Total)
		}
		return err
	}
	fmt.Printf("migration %s completed: %d records across %d stores; %s now on %s\n",
		job.JobID, job.Counts.Migrated, len(job.Stores), name, *to)
	return nil
}

func (a *app) newDispatcher() *dispatcher.Dispatcher {
	provider := func(ctx context.Context, entry registry.DatabaseEntry, handle backend.StorageHandle) (engine.Engine, error) {
		return engine.New(handle, entry.ModelConfig.EmbeddingDim, engine.NewClient(engine.ClientConfig{
			BaseURL: a.cfg.Engine.BaseURL,
			Timeout: a.cfg.Engine.Timeout,
		}))
	}
	return dispatcher.New(dispatcher.Config{
		T2Timeout:     a.cfg.Dispatcher.T2Timeout,
		T3Timeout:     a.cfg.Dispatcher.T3Timeout,
		T4Timeout:     a.cfg.Dispatcher.T4Timeout,
		T2Concurrency: a.cfg.Dispatcher.T2Concurrency,
		T3Concurrency: a.cfg.Dispatcher.T3Concurrency,
		T4Concurrency: a.cfg.Dispatcher.T4Concurrency,
		StateDir:      a.cfg.StateDir.Path,
		LogPath:       filepath.Join(a.cfg.StateDir.Path, "logs", "hybridrag.log"),
	}, a.reg, a.fact, provider, a.log)
}

var modeToTool = map[string]string{
	"local":    "local-query",
	"global":   "global-query",
	"hybrid":   "hybrid-query",
	"naive":    "generic-query",
	"multihop": "multihop-query",
}

func (a *app) cmdQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	database := fs.String("database", "", "database name")
	text := fs.String("text", "", "query text")
	mode := fs.String("mode", "local", "local|global|hybrid|naive|multihop")
	topK := fs.Int("top-k", 0, "result count (clamped to the tier cap)")
	seeds := fs.String("seeds", "", "comma-separated context seeds for multihop")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tool, ok := modeToTool[*mode]
	if !ok {
		return fmt.Errorf("query: unknown mode %q", *mode)
	}
	req := dispatcher.Request{Database: *database, Query: *text, TopK: *topK}
	if *seeds != "" {
		req.ContextSeeds = strings.Split(*seeds, ",")
	}

	resp := a.newDispatcher().Call(context.Background(), tool, req)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Metadata.Error != nil {
		return dispatchErr(resp.Metadata.Error)
	}
	return nil
}

// dispatchErr converts a response-envelope error into a process error so
// the exit code mapping sees its kind.
func dispatchErr(info *dispatcher.ErrorInfo) error {
	switch info.Kind {
	case dispatcher.KindNotFound:
		return fmt.Errorf("%s: %w", info.Diagnosis, registry.ErrNotFound)
	case dispatcher.KindBusy, dispatcher.KindDeadlineExceeded:
		return fmt.Errorf("%s: %w", info.Diagnosis, registry.ErrBusy)
	case dispatcher.KindBackendUnavailable:
		return &engine.Error{Kind: engine.KindBackendUnavailable, Diagnosis: info.Diagnosis}
	case dispatcher.KindEnginePermanent:
		return &engine.Error{Kind: engine.KindPermanent, Diagnosis: info.Diagnosis}
	default:
		return errors.New(info.Diagnosis)
	}
}

func (a *app) cmdInteractive(args []string) error {
	fs := flag.NewFlagSet("interactive", flag.ContinueOnError)
	database := fs.String("database", "", "database name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *database == "" {
		return fmt.Errorf("interactive: --database required")
	}
	d := a.newDispatcher()
	mode := "local"
	fmt.Printf("hybridrag interactive (%s). :mode <m> to switch, :quit to exit.\n", *database)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s> ", mode)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == ":quit", line == ":q":
			return nil
		case strings.HasPrefix(line, ":mode "):
			m := strings.TrimSpace(strings.TrimPrefix(line, ":mode "))
			if _, ok := modeToTool[m]; !ok {
				fmt.Printf("unknown mode %q\n", m)
				continue
			}
			mode = m
			continue
		}
		resp := d.Call(context.Background(), modeToTool[mode], dispatcher.Request{Database: *database, Query: line})
		if resp.Metadata.Error != nil {
			fmt.Printf("error [%s]: %s\n", resp.Metadata.Error.Kind, resp.Metadata.Error.Diagnosis)
			continue
		}
		if m, ok := resp.Result.(map[string]interface{}); ok {
			fmt.Println(m["answer"])
		}
		if len(resp.Metadata.SuggestedMultihopSeeds) > 0 {
			fmt.Printf("(multihop seeds: %s)\n", strings.Join(resp.Metadata.SuggestedMultihopSeeds, ", "))
		}
	}
}
