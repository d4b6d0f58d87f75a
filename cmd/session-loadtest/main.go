// Command session-loadtest measures single-flight refresh under concurrent load.
//
// Each round invalidates every access token and fires concurrent authenticated
// requests; all of them must recover through one refresh call. Without --base-url the
// built-in test backend is used.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mathchety/gastosauth"
	"github.com/Mathchety/gastosauth/authtest"
	promexport "github.com/Mathchety/gastosauth/metrics/export/prometheus"
	"github.com/Mathchety/gastosauth/transport"
)

type options struct {
	configPath   string
	baseURL      string
	email        string
	password     string
	concurrency  int
	rounds       int
	refreshDelay time.Duration
	dumpMetrics  bool
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "session-loadtest",
		Short: "Load-test concurrent token refresh",
		Long: `session-loadtest logs in once, then repeatedly invalidates the access token and
fires concurrent authenticated requests, reporting how many refresh calls reached
the backend and the request latency percentiles.

Environment Variables:
  GASTOSAUTH_CONFIG         YAML config file
  GASTOSAUTH_BASE_URL       Backend URL (default: in-process test backend)
  LOADTEST_EMAIL            Account email for a real backend
  LOADTEST_PASSWORD         Account password for a real backend`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file (overrides GASTOSAUTH_CONFIG)")
	f.StringVar(&opts.baseURL, "base-url", "", "backend URL; empty starts the in-process test backend")
	f.StringVar(&opts.email, "email", os.Getenv("LOADTEST_EMAIL"), "account email")
	f.StringVar(&opts.password, "password", os.Getenv("LOADTEST_PASSWORD"), "account password")
	f.IntVar(&opts.concurrency, "concurrency", 64, "concurrent requests per round")
	f.IntVar(&opts.rounds, "rounds", 20, "number of expire-and-recover rounds")
	f.DurationVar(&opts.refreshDelay, "refresh-delay", 20*time.Millisecond, "artificial refresh latency of the test backend")
	f.BoolVar(&opts.dumpMetrics, "metrics", false, "print client metrics in Prometheus format at the end")
	return cmd
}

func run(ctx context.Context, w io.Writer, opts options) error {
	if opts.concurrency <= 0 || opts.rounds <= 0 {
		return fmt.Errorf("concurrency and rounds must be > 0")
	}

	var (
		srv      *authtest.Server
		baseURL  = opts.baseURL
		email    = opts.email
		password = opts.password
	)
	if baseURL == "" {
		baseURL = os.Getenv("GASTOSAUTH_BASE_URL")
	}
	if baseURL == "" {
		srv = authtest.New()
		defer srv.Close()
		srv.SetRefreshDelay(opts.refreshDelay)
		email, password = "load@example.com", "loadtest1"
		srv.Seed("Load Test", email, password)
		baseURL = srv.URL
		fmt.Fprintf(w, "using in-process backend at %s\n", baseURL)
	} else {
		fmt.Fprintf(w, "using backend at %s\n", baseURL)
	}

	cfg := gastosauth.DefaultConfig()
	if opts.configPath != "" || os.Getenv("GASTOSAUTH_CONFIG") != "" {
		loaded, err := gastosauth.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.API.BaseURL = baseURL
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	// rounds below drive refresh; the timer would only add noise
	cfg.Session.AutoRefreshInterval = -1

	log := gastosauth.NewLogger(cfg.Log)
	defer func() { _ = log.Sync() }()

	client, err := gastosauth.New().WithConfig(cfg).WithLogger(log).Build()
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Login(ctx, email, password, false); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer client.Logout(context.Background())

	var stats []phaseStats
	for round := 0; round < opts.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if srv != nil {
			srv.ExpireAccessTokens()
		} else if _, err := client.Session().RefreshAccessToken(ctx); err != nil {
			log.Warn("forced refresh failed", zap.Int("round", round), zap.Error(err))
		}
		stats = append(stats, runRound(ctx, client, opts.concurrency))
	}

	fmt.Fprintln(w, "---- results ----")
	printStats(w, "requests", merge(stats))
	if srv != nil {
		fmt.Fprintf(w, "refresh calls: %d over %d rounds (want %d)\n", srv.RefreshCalls(), opts.rounds, opts.rounds)
	}
	snap := client.MetricsSnapshot()
	fmt.Fprintf(w, "client refreshes: success=%d failure=%d rotated=%d\n",
		snap.Counters[gastosauth.MetricRefreshSuccess],
		snap.Counters[gastosauth.MetricRefreshFailure],
		snap.Counters[gastosauth.MetricRefreshRotated],
	)

	if opts.dumpMetrics {
		rec := httptest.NewRecorder()
		promexport.NewExporter(client).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		_, _ = io.Copy(w, rec.Body)
	}
	return nil
}

func runRound(ctx context.Context, client *gastosauth.Client, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		failures  int64
		latencies = make([]time.Duration, concurrency)
	)

	start := time.Now()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			t0 := time.Now()
			err := client.Do(ctx, transport.Request{
				Method: http.MethodGet,
				Path:   "/receipts",
				Auth:   true,
			}, nil)
			latencies[i] = time.Since(t0)
			if err != nil {
				atomic.AddInt64(&failures, 1)
			}
		}(i)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	samples  []time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		samples:  samples,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func merge(rounds []phaseStats) phaseStats {
	var (
		total    time.Duration
		failures int64
		all      []time.Duration
	)
	for _, r := range rounds {
		total += r.total
		failures += r.failures
		all = append(all, r.samples...)
	}
	return computeStats(total, all, failures)
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(w io.Writer, name string, s phaseStats) {
	fmt.Fprintf(w, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
