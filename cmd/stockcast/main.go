package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"stockcast/internal/config"
	"stockcast/internal/errors"
	"stockcast/internal/middleware"
	"stockcast/internal/models"
	"stockcast/internal/observability"
	"stockcast/internal/registry"
	"stockcast/internal/server"
	"stockcast/internal/services"
	"stockcast/internal/store"
)

const version = "1.0.0"

const usage = `usage: stockcast <command> [flags]

commands:
  train    train the sales, restock and monthly models
  predict  score one request
  batch    score a JSON array of requests
  info     print metadata of the trained models
  analyze  mine product association rules and project monthly demand
  serve    run the HTTP prediction API
`

// exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one subcommand. Result markers go to stdout; logs go to stderr.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "load .env: %v\n", err)
		return exitError
	}

	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	switch args[0] {
	case "train":
		return c.train(ctx, args[1:])
	case "predict":
		return c.predict(ctx, args[1:])
	case "batch":
		return c.batch(ctx, args[1:])
	case "info":
		return c.info(args[1:])
	case "analyze":
		return c.analyze(ctx, args[1:])
	case "serve":
		return c.serve(ctx, args[1:])
	case "version":
		fmt.Fprintln(stdout, version)
		return exitOK
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func (c *cli) flagSet(name string) (*flag.FlagSet, *string) {
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.SetOutput(c.stderr)
	path := fset.String("config", "", "YAML config file (default $STOCKCAST_CONFIG)")
	return fset, path
}

// setup loads configuration and installs the logger. The returned func
// releases the log file.
func (c *cli) setup(configPath string, adjust func(*config.Config)) (func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}

	logger, closeLog, err := observability.NewLogger(cfg.Logger, c.stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	c.cfg = cfg
	c.logger = logger
	return func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(c.stderr, "close log: %v\n", err)
		}
	}, nil
}

// closeLogged runs closeFn and logs its error, for use in defer.
func (c *cli) closeLogged(what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		c.logger.Error("close "+what, "error", err)
	}
}

func (c *cli) openRegistry() *registry.Registry {
	return registry.New(c.cfg.Paths.ModelDir, c.logger)
}

func (c *cli) train(ctx context.Context, args []string) int {
	fset, configPath := c.flagSet("train")
	dataDir := fset.String("data", "", "transaction data folder")
	modelDir := fset.String("models", "", "model output directory")
	if err := fset.Parse(args); err != nil {
		return exitUsage
	}

	done, err := c.setup(*configPath, func(cfg *config.Config) {
		if *dataDir != "" {
			cfg.Paths.DataFolder = *dataDir
		}
		if *modelDir != "" {
			cfg.Paths.ModelDir = *modelDir
		}
	})
	if err != nil {
		fmt.Fprintf(c.stdout, "TRAINING_FAILED: %v\n", err)
		return exitError
	}
	defer done()

	st, closeStore, err := store.New(c.cfg, c.logger)
	if err != nil {
		fmt.Fprintf(c.stdout, "TRAINING_FAILED: %v\n", err)
		return exitError
	}
	defer c.closeLogged("store", closeStore)

	svc := services.NewTrainingService(c.cfg, st, c.openRegistry(), c.logger)
	if c.cfg.Training.Progress {
		svc.WithProgress(c.stderr)
	}

	report, err := svc.Train(ctx)
	if err != nil {
		fmt.Fprintf(c.stdout, "TRAINING_FAILED: %s\n", oneLine(err))
		return exitError
	}

	for _, out := range report.Outcomes {
		c.logger.Info("model trained",
			"prediction_type", out.Type,
			"version", out.Metadata.Version,
			"samples", out.Metadata.TrainingSamples,
			"mae", out.Metadata.PerformanceMetrics.MAE,
			"r2", out.Metadata.PerformanceMetrics.R2,
		)
	}
	fmt.Fprintln(c.stdout, "TRAINING_COMPLETED")
	return exitOK
}

func (c *cli) predict(ctx context.Context, args []string) int {
	fset, configPath := c.flagSet("predict")
	predictionType := fset.String("type", "", "prediction type: sales, restock or monthly")
	productID := fset.String("product", "", "product id")

	var p models.Params
	fset.Var(optionalFloat{&p.AvgDailySales}, "avg-daily-sales", "average daily sales")
	fset.Var(optionalFloat{&p.SalesVelocity}, "sales-velocity", "sales velocity")
	fset.Var(optionalFloat{&p.SalesConsistency}, "sales-consistency", "sales consistency")
	fset.Var(optionalFloat{&p.SalesVolatility}, "sales-volatility", "sales volatility")
	fset.Var(optionalFloat{&p.RecentAvg}, "recent-avg", "average daily sales over the recency window")
	fset.Var(optionalFloat{&p.RecentTotal}, "recent-total", "total sales over the recency window")
	fset.Var(optionalFloat{&p.RecentTransactions}, "recent-transactions", "sales days in the recency window")
	fset.Var(optionalFloat{&p.TransactionCount}, "transaction-count", "sales days in the history")
	fset.Var(optionalFloat{&p.DaysSinceRestock}, "days-since-restock", "days since the last restock")
	fset.Var(optionalFloat{&p.LeadTimeDays}, "lead-time-days", "supplier lead time in days")
	fset.Var(optionalFloat{&p.PrevMonthTotal}, "prev-month-total", "sales total of the previous month")
	fset.Var(featureOverrides{&p.Features}, "feature", "explicit feature value as name=value (repeatable)")

	if err := fset.Parse(args); err != nil {
		fmt.Fprintf(c.stdout, "PREDICTION_ERROR: %v\n", err)
		return exitUsage
	}

	done, err := c.setup(*configPath, nil)
	if err != nil {
		fmt.Fprintf(c.stdout, "PREDICTION_ERROR: %v\n", err)
		return exitError
	}
	defer done()

	svc := services.NewPredictionService(c.cfg, c.openRegistry(), c.logger)
	result, err := svc.Predict(ctx, models.PredictionRequest{
		ProductID:      *productID,
		PredictionType: models.PredictionType(*predictionType),
		Params:         p,
	})
	if err != nil {
		fmt.Fprintf(c.stdout, "PREDICTION_ERROR: %s\n", oneLine(err))
		if errors.HasCode(err, errors.CodeValidation) {
			return exitUsage
		}
		return exitError
	}

	full, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(c.stdout, "PREDICTION_ERROR: encode result: %v\n", err)
		return exitError
	}
	fmt.Fprintf(c.stdout, "PREDICTION_RESULT:%d\n", result.Prediction)
	fmt.Fprintf(c.stdout, "PREDICTION_FULL:%s\n", full)
	return exitOK
}

func (c *cli) batch(ctx context.Context, args []string) int {
	fset, configPath := c.flagSet("batch")
	file := fset.String("file", "-", "JSON array of prediction requests, or - for stdin")
	if err := fset.Parse(args); err != nil {
		return exitUsage
	}

	done, err := c.setup(*configPath, nil)
	if err != nil {
		fmt.Fprintf(c.stdout, "BATCH_ERROR: %v\n", err)
		return exitError
	}
	defer done()

	reqs, err := c.readRequests(*file)
	if err != nil {
		fmt.Fprintf(c.stdout, "BATCH_ERROR: %v\n", err)
		return exitUsage
	}

	result := services.NewPredictionService(c.cfg, c.openRegistry(), c.logger).Batch(ctx, reqs)
	out, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(c.stdout, "BATCH_ERROR: encode result: %v\n", err)
		return exitError
	}
	fmt.Fprintf(c.stdout, "BATCH_RESULT:%s\n", out)
	return exitOK
}

func (c *cli) readRequests(path string) ([]models.PredictionRequest, error) {
	r := c.stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var reqs []models.PredictionRequest
	if err := json.NewDecoder(r).Decode(&reqs); err != nil {
		return nil, fmt.Errorf("decode requests: %w", err)
	}
	return reqs, nil
}

func (c *cli) info(args []string) int {
	fset, configPath := c.flagSet("info")
	if err := fset.Parse(args); err != nil {
		return exitUsage
	}

	done, err := c.setup(*configPath, nil)
	if err != nil {
		fmt.Fprintf(c.stdout, "MODEL_INFO_ERROR: %v\n", err)
		return exitError
	}
	defer done()

	list, err := c.openRegistry().List()
	if err != nil {
		fmt.Fprintf(c.stdout, "MODEL_INFO_ERROR: %s\n", oneLine(err))
		return exitError
	}
	if list == nil {
		list = []*models.ModelMetadata{}
	}

	out, err := json.Marshal(list)
	if err != nil {
		fmt.Fprintf(c.stdout, "MODEL_INFO_ERROR: %v\n", err)
		return exitError
	}
	fmt.Fprintf(c.stdout, "MODEL_INFO:%s\n", out)
	return exitOK
}

func (c *cli) analyze(ctx context.Context, args []string) int {
	fset, configPath := c.flagSet("analyze")
	dataDir := fset.String("data", "", "transaction data folder")
	outDir := fset.String("out", "", "output directory (default from config)")
	if err := fset.Parse(args); err != nil {
		return exitUsage
	}

	done, err := c.setup(*configPath, func(cfg *config.Config) {
		if *dataDir != "" {
			cfg.Paths.DataFolder = *dataDir
		}
		if *outDir != "" {
			cfg.Analysis.OutputDir = *outDir
		}
	})
	if err != nil {
		fmt.Fprintf(c.stdout, "ANALYSIS_FAILED: %v\n", err)
		return exitError
	}
	defer done()

	st, closeStore, err := store.New(c.cfg, c.logger)
	if err != nil {
		fmt.Fprintf(c.stdout, "ANALYSIS_FAILED: %v\n", err)
		return exitError
	}
	defer c.closeLogged("store", closeStore)

	predictor := services.NewPredictionService(c.cfg, c.openRegistry(), c.logger)
	report, err := services.NewAnalysisService(c.cfg, st, predictor, c.logger).Run(ctx, c.cfg.Analysis.OutputDir)
	if err != nil {
		fmt.Fprintf(c.stdout, "ANALYSIS_FAILED: %s\n", oneLine(err))
		return exitError
	}

	out, err := json.Marshal(report)
	if err != nil {
		fmt.Fprintf(c.stdout, "ANALYSIS_FAILED: encode report: %v\n", err)
		return exitError
	}
	fmt.Fprintf(c.stdout, "ANALYSIS_COMPLETED:%s\n", out)
	return exitOK
}

func (c *cli) serve(ctx context.Context, args []string) int {
	fset, configPath := c.flagSet("serve")
	if err := fset.Parse(args); err != nil {
		return exitUsage
	}

	done, err := c.setup(*configPath, nil)
	if err != nil {
		fmt.Fprintf(c.stderr, "serve: %v\n", err)
		return exitError
	}
	defer done()

	c.logger.Info("starting application", "version", version, "model_dir", c.cfg.Paths.ModelDir)

	reg := c.openRegistry()
	srv := server.NewServer(services.NewPredictionService(c.cfg, reg, c.logger), reg, version, c.logger)

	rateLimiter := middleware.NewRateLimiter(c.cfg.Security)

	middlewareChain := middleware.Chain(
		middleware.Recovery(c.logger),
		middleware.RequestID(),
		middleware.Logger(c.logger),
		middleware.Tracing(),
		middleware.SecurityHeaders(),
		middleware.CORS(c.cfg.Security),
		middleware.TrustedProxy(c.cfg.Security),
		middleware.RateLimit(rateLimiter, c.logger),
		middleware.MaxBody(c.cfg.Server.MaxBodyBytes),
	)

	httpServer := &http.Server{
		Addr:         c.cfg.Address(),
		Handler:      middlewareChain(srv),
		ReadTimeout:  c.cfg.Server.ReadTimeout,
		WriteTimeout: c.cfg.Server.WriteTimeout,
		IdleTimeout:  c.cfg.Server.IdleTimeout,
	}

	gracefulServer := server.NewGracefulServer(httpServer, c.logger, c.cfg.Server)
	gracefulServer.RegisterShutdownHook(func(context.Context) error {
		for _, t := range models.PredictionTypes {
			reg.Forget(t)
		}
		return nil
	})

	if err := gracefulServer.ListenAndServe(ctx); err != nil {
		c.logger.Error("server failed", "error", err)
		return exitError
	}

	c.logger.Info("application stopped gracefully")
	return exitOK
}

// oneLine keeps joined errors on a single marker line.
func oneLine(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}

// optionalFloat is a flag that leaves its target nil unless set.
type optionalFloat struct {
	target **float64
}

func (f optionalFloat) String() string {
	if f.target == nil || *f.target == nil {
		return ""
	}
	return strconv.FormatFloat(**f.target, 'g', -1, 64)
}

func (f optionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f.target = &v
	return nil
}

type featureOverrides struct {
	target *map[string]float64
}

func (f featureOverrides) String() string {
	if f.target == nil || *f.target == nil {
		return ""
	}
	parts := make([]string, 0, len(*f.target))
	for k, v := range *f.target {
		parts = append(parts, k+"="+strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strings.Join(parts, ",")
}

func (f featureOverrides) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("feature %s: not a number: %q", name, raw)
	}
	if *f.target == nil {
		*f.target = make(map[string]float64)
	}
	(*f.target)[strings.TrimSpace(name)] = v
	return nil
}
