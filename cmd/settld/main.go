package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/api"
	"github.com/Mindburn-Labs/settld/pkg/artifacts"
	"github.com/Mindburn-Labs/settld/pkg/auth"
	"github.com/Mindburn-Labs/settld/pkg/config"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/delivery"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/failpoint"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/monthclose"
	"github.com/Mindburn-Labs/settld/pkg/observability"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/ratelimit"
	"github.com/Mindburn-Labs/settld/pkg/retry"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/streams"
	"github.com/Mindburn-Labs/settld/pkg/workorder"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch args[1] {
	case "serve", "server":
		return startServer()
	case "drain":
		return runDrainCmd(args[2:], stdout, stderr)
	case "verify-chain":
		return runVerifyChainCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  settld <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintf(w, "  %-14s %s\n", "serve", "Run the API server and outbox dispatcher (default)")
	fmt.Fprintf(w, "  %-14s %s\n", "drain", "Drain the outbox once (--max, --passes)")
	fmt.Fprintf(w, "  %-14s %s\n", "verify-chain", "Verify an event chain (--tenant, --run | --session | --stream)")
	fmt.Fprintf(w, "  %-14s %s\n", "health", "Check server health over HTTP (--url)")
	fmt.Fprintf(w, "  %-14s %s\n", "help", "Show this help")
}

// app is the wired engine shared by the server and the maintenance commands.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       store.Store
	keys        *crypto.Keyring
	blobs       artifacts.Store
	obs         *observability.Provider
	settlements *settlement.Service
	workOrders  *workorder.Service
	streams     *streams.Service
	dispatcher  *outbox.Dispatcher
}

func (rt *app) Close(ctx context.Context) {
	if err := rt.obs.Shutdown(ctx); err != nil {
		rt.logger.Warn("telemetry shutdown failed", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close failed", "error", err)
	}
}

func bootstrap(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := failpoint.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failpoints: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	keys, err := loadOrGenerateKeyring(cfg.RootKeyPath())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	policies := settlement.NewPolicyRegistry()
	if cfg.PolicyDir != "" {
		n, err := policies.LoadDir(cfg.PolicyDir)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		log.Printf("[settld] policies: loaded %d from %s", n, cfg.PolicyDir)
	}

	blobs, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	obs := observability.Noop()
	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.Insecure = true
		oc.OTLPEndpoint = cfg.OTelEndpoint
		if obs, err = observability.New(ctx, oc); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	engine, err := settlement.NewEngine()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	appender := eventchain.NewAppender(eventchain.MustSchemaRegistry(), keys)
	settlements := settlement.NewService(appender, policies, engine, keys, settlement.WithLogger(logger))
	workOrders := workorder.NewService(appender, settlements, workorder.WithLogger(logger))

	rp := retry.DefaultPolicy
	rp.MaxAttempts = cfg.OutboxMaxAttempts
	d := outbox.NewDispatcher(st,
		outbox.WithRetryPolicy(rp),
		outbox.WithBatchSize(cfg.OutboxBatch),
		outbox.WithObservability(obs),
		outbox.WithLogger(logger))
	gen := artifacts.NewGenerator(blobs)
	d.Register(contracts.TopicLedgerEntryApply, ledger.NewHandler())
	d.Register(contracts.TopicArtifactGenerate, gen)
	monthclose.NewCloser(st, gen).Register(d)
	d.Register(contracts.TopicDeliveryRequested, delivery.NewWorker(st, blobs,
		delivery.WithTimeout(cfg.DeliveryTimeout),
		delivery.WithMaxAttempts(cfg.DeliveryMaxAttempts),
		delivery.WithObservability(obs),
		delivery.WithLogger(logger)))

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		keys:        keys,
		blobs:       blobs,
		obs:         obs,
		settlements: settlements,
		workOrders:  workOrders,
		streams:     streams.NewService(appender, keys),
		dispatcher:  d,
	}, nil
}

func runServer() int {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("[settld] startup failed: %v", err)
	}
	defer rt.Close(context.Background())

	ipLimiter := ratelimit.NewIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer ipLimiter.Close()
	var tenantLimiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb, err := ratelimit.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			log.Printf("[settld] redis unavailable, tenant rate limits disabled: %v", err)
		} else {
			defer rdb.Close()
			tenantLimiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitRPS, cfg.RateLimitBurst)
			log.Printf("[settld] rate limits: redis %s", cfg.RedisAddr)
		}
	}
	if cfg.OpsToken == "" {
		log.Println("[settld] OPS_TOKEN not set: /ops routes are disabled")
	}

	handler := api.New(api.Deps{
		Store:         rt.store,
		WorkOrders:    rt.workOrders,
		Settlements:   rt.settlements,
		Streams:       rt.streams,
		Dispatcher:    rt.dispatcher,
		Blobs:         rt.blobs,
		Validator:     auth.NewJWTValidator(cfg.JWTSecret),
		OpsToken:      cfg.OpsToken,
		IPLimiter:     ipLimiter,
		TenantLimiter: tenantLimiter,
		Logger:        rt.logger.With("component", "api"),
	})

	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- rt.dispatcher.Run(ctx, cfg.OutboxTick)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[settld] ready: http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		log.Println("[settld] shutting down")
	case err := <-serveErr:
		log.Printf("[settld] server error: %v", err)
		code = 1
	case err := <-dispatchDone:
		// Only a failpoint kill ends the loop while ctx is live.
		log.Printf("[settld] dispatcher stopped: %v", err)
		code = 1
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[settld] shutdown: %v", err)
	}
	return code
}

func runDrainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("drain", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var opts outbox.DrainOptions
	cmd.IntVar(&opts.MaxMessages, "max", 0, "Stop after this many messages (0 for no limit)")
	cmd.IntVar(&opts.Passes, "passes", 5, "Number of passes over due messages")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if opts.MaxMessages < 0 || opts.Passes < 1 {
		fmt.Fprintln(stderr, "Error: --max must be >= 0 and --passes >= 1")
		return 2
	}

	ctx := context.Background()
	rt, err := bootstrap(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	res, err := rt.dispatcher.Drain(ctx, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: drain: %v\n", err)
		return 1
	}
	return writeJSON(stdout, res)
}

func runVerifyChainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var tenant, run, session, stream string
	cmd.StringVar(&tenant, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.StringVar(&run, "run", "", "Run ID to verify, including its decision records")
	cmd.StringVar(&session, "session", "", "Session ID to verify")
	cmd.StringVar(&stream, "stream", "", "Raw stream ID, e.g. workorder:wo_1")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	targets := 0
	for _, v := range []string{run, session, stream} {
		if v != "" {
			targets++
		}
	}
	if tenant == "" || targets != 1 {
		fmt.Fprintln(stderr, "Error: --tenant and exactly one of --run, --session or --stream are required")
		cmd.Usage()
		return 2
	}
	if session != "" {
		stream = eventchain.SessionStream(session)
	}

	ctx := context.Background()
	rt, err := bootstrap(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	var valid bool
	var out any
	err = rt.store.View(ctx, func(tx store.Tx) error {
		if run != "" {
			v, err := rt.streams.VerifyRun(ctx, tx, tenant, run)
			valid = v.Run.Valid && (v.Decisions == nil || v.Decisions.Valid)
			out = v
			return err
		}
		rep, err := rt.streams.Verify(ctx, tx, tenant, stream)
		valid, out = rep.Valid, rep
		return err
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if code := writeJSON(stdout, out); code != 0 {
		return code
	}
	if !valid {
		return 1
	}
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	url := cmd.String("url", "http://localhost:8080/health", "Health endpoint")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func writeJSON(w io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return 1
	}
	fmt.Fprintln(w, string(data))
	return 0
}
