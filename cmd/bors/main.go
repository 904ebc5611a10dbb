package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/borsbot/bors/internal/bors"
	"github.com/borsbot/bors/internal/cfg"
	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/githubclt"
	"github.com/borsbot/bors/internal/logfields"
	"github.com/borsbot/bors/internal/provider/github"
)

const appName = "bors"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

// maxConcurrentWebhookRequests is the number of webhook deliveries that are
// admitted into the http handler at the same time, additional requests wait.
const maxConcurrentWebhookRequests = 100

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)

	}
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
	DryRun      *bool
}

var args arguments

const defConfigFile = "/etc/bors/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the bors configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		DryRun: pflag.Bool(
			"dry-run",
			false,
			"log github write operations instead of executing them",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nMerge bot, receives GitHub webhook events and runs try builds.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		exitOnErr("could not load .env file", err)
	}

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	err = config.ApplyEnvVars()
	exitOnErr("could not apply environment variables", err)

	err = config.Validate()
	if err != nil {
		exitOnErr(fmt.Sprintf("invalid configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// mustNewGithubClient authenticates as github app installation when app
// credentials are configured and falls back to personal access token
// authentication otherwise.
func mustNewGithubClient(ctx context.Context, config *cfg.Config) *githubclt.Client {
	if config.GithubAppID != 0 && config.GithubAppPrivateKeyFile != "" {
		// The installation is resolved via the first configured
		// repository, all configured repositories must belong to the
		// same app installation.
		repo := config.Repositories[0]

		clt, err := githubclt.NewAppClient(
			ctx,
			config.GithubAppID,
			config.GithubAppPrivateKeyFile,
			repo.Owner,
			repo.RepositoryName,
		)
		exitOnErr("could not create github app client", err)

		return clt
	}

	return githubclt.New(config.GithubAPIToken)
}

func repositoriesFromCfg(config *cfg.Config) []bors.RepoName {
	result := make([]bors.RepoName, 0, len(config.Repositories))

	for _, repo := range config.Repositories {
		result = append(result, bors.RepoName{
			Owner: repo.Owner,
			Name:  repo.RepositoryName,
		})
	}

	return result
}

func labelChangesFromCfg(config *cfg.Config) (map[bors.LabelTrigger][]bors.LabelChange, error) {
	parsed, err := config.LabelChanges()
	if err != nil {
		return nil, err
	}

	result := make(map[bors.LabelTrigger][]bors.LabelChange, len(parsed))

	for trigger, changes := range parsed {
		borsChanges := make([]bors.LabelChange, 0, len(changes))

		for _, change := range changes {
			borsChanges = append(borsChanges, bors.LabelChange{
				Label:  change.Label,
				Remove: change.Remove,
			})
		}

		result[bors.LabelTrigger(trigger)] = borsChanges
	}

	return result, nil
}

// limitConcurrency delays request handling while maxConcurrent requests are
// already being processed.
func limitConcurrency(handler http.HandlerFunc, maxConcurrent int) http.HandlerFunc {
	sem := make(chan struct{}, maxConcurrent)

	return func(resp http.ResponseWriter, req *http.Request) {
		sem <- struct{}{}
		defer func() { <-sem }()

		handler(resp, req)
	}
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.Int64("github_app_id", config.GithubAppID),
		zap.String("database", hide(config.Database)),
		zap.String("bot_name", config.BotName),
		zap.Int("try_build_timeout_min", config.TryBuildTimeoutMin),
		zap.String("event_filter_query", config.EventFilterQuery),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.Int("repositories", len(config.Repositories)),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	ctx := context.Background()

	db, err := database.NewPgClient(ctx, config.Database)
	exitOnErr("could not connect to the database", err)

	var ghClient bors.GithubClient = mustNewGithubClient(ctx, config)

	if *args.DryRun {
		logger.Info(
			"dry-run mode enabled, github write operations are only logged",
			logfields.Event("dry_run_enabled"),
		)

		ghClient = bors.NewDryGithubClient(ghClient, logger)
	}

	labelChanges, err := labelChangesFromCfg(config)
	exitOnErr("could not parse label configuration", err)

	bot := bors.New(
		db,
		ghClient,
		repositoriesFromCfg(config),
		bors.WithBotName(config.BotName),
		bors.WithLabelChanges(labelChanges),
		bors.WithTryBuildTimeout(time.Duration(config.TryBuildTimeoutMin)*time.Minute),
	)

	bot.Start()

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug(
			"stopping event loop",
			logfields.Event("event_loop_stopping"),
		)

		bot.Stop()
	})

	goodbye.Register(func(context.Context, os.Signal) {
		if err := db.Close(); err != nil {
			logger.Warn(
				"closing database connection failed",
				logfields.Event("database_close_failed"),
				zap.Error(err),
			)
		}
	})

	var filter *github.Filter
	if config.EventFilterQuery != "" {
		filter, err = github.NewFilter(config.EventFilterQuery)
		exitOnErr("could not parse event_filter_query", err)
	}

	gh := github.New(
		bot.C(),
		github.WithPayloadSecret(config.GithubWebHookSecret),
		github.WithEventFilter(filter),
	)

	mux := http.NewServeMux()

	mux.HandleFunc(config.HTTPGithubWebhookEndpoint, limitConcurrency(gh.HTTPHandler, maxConcurrentWebhookRequests))
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
	)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/bors/state", bot.HTTPHandlerState)

	startHTTPServer(config.HTTPListenAddr, mux)

	select {}
}
