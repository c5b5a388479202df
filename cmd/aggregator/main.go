// Command aggregator runs the sysmon fleet-metrics aggregator: it accepts
// agent-pushed samples, serves queries, trains anomaly detectors, and
// optionally advertises itself to a directory service. Its CLI surface
// and startup sequence follow the teacher's cmd/server/main.go, extended
// with spf13/cobra for flag parsing the way __main__.py's argparse laid
// out the original's positional port/db_path + flags.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sk-tech/sysmonitor/internal/api"
	"github.com/sk-tech/sysmonitor/internal/config"
	"github.com/sk-tech/sysmonitor/internal/detect"
	"github.com/sk-tech/sysmonitor/internal/discovery"
	"github.com/sk-tech/sysmonitor/internal/logx"
	"github.com/sk-tech/sysmonitor/internal/storage"
)

// Version is set at build time via -ldflags, matching the teacher's
// ServerVersion convention.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		host         string
		token        string
		tlsFlag      bool
		tlsCert      string
		tlsKey       string
		mdnsEnabled  bool
		mdnsHostname string
		configFile   string
	)

	cmd := &cobra.Command{
		Use:   "aggregator [port] [db_path]",
		Short: "sysmon fleet-metrics aggregator",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port := 9000
			if len(args) > 0 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[0], err)
				}
				port = parsed
			}
			dbPath := storage.DefaultDBPath
			if len(args) > 1 {
				dbPath = args[1]
			}

			cfg := config.Defaults()
			cfg.Port = port
			cfg.DBPath = dbPath
			cfg.Host = host
			cfg.Token = token
			cfg.TLSCert = tlsCert
			cfg.TLSKey = tlsKey
			if tlsFlag && (tlsCert == "" || tlsKey == "") {
				return fmt.Errorf("--tls requires both --cert and --key")
			}
			cfg.MDNS = mdnsEnabled
			cfg.MDNSName = mdnsHostname

			file, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			cfg = config.ApplyFile(cfg, file)
			cfg = config.ApplyEnv(cfg)
			// Explicitly given flags and arguments win over the environment.
			if token != "" {
				cfg.Token = token
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if len(args) > 1 {
				cfg.DBPath = dbPath
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "address to bind")
	cmd.Flags().StringVar(&token, "token", "", "auth token (falls back to SYSMON_AGGREGATOR_TOKEN)")
	cmd.Flags().BoolVar(&tlsFlag, "tls", false, "require TLS; --cert and --key must also be set")
	cmd.Flags().StringVar(&tlsCert, "cert", "", "TLS certificate path")
	cmd.Flags().StringVar(&tlsKey, "key", "", "TLS key path")
	cmd.Flags().BoolVar(&mdnsEnabled, "mdns", false, "advertise via the directory-service backend if configured, else the no-op mDNS backend")
	cmd.Flags().StringVar(&mdnsHostname, "mdns-hostname", "", "hostname to advertise")
	cmd.Flags().StringVar(&configFile, "config", "", "optional YAML config file")

	cmd.AddCommand(versionCmd(), healthcheckCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the aggregator version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("sysmon-aggregator version %s\n", Version)
			return nil
		},
	}
}

func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck <url>",
		Short: "probe a running aggregator's /health endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func run(cfg config.Config) error {
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	samples := storage.NewStore(db)
	hosts := storage.NewHostRegistry(db)
	baselines := storage.NewBaselineStore(db, samples)
	engine := detect.NewEngine(samples)

	state := api.NewState(samples, hosts, baselines, engine, cfg.Token)
	state.Version = Version
	router := api.Router(state)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go retentionLoop(ctx, samples, cfg.Retention.RawHorizonSeconds)
	go downsampleLoop(ctx, samples, cfg.Retention.RollupIntervalSec)
	go reaperLoop(ctx, hosts)

	if cfg.MDNS {
		if cfg.Discovery.DirectoryURL != "" {
			key, err := signingKey()
			if err != nil {
				logx.Warn("discovery disabled: %v", err)
			} else {
				adv := discovery.NewDirectoryAdvertiser(cfg.Discovery.DirectoryURL, key)
				go advertiseLoop(ctx, adv, cfg.MDNSName, cfg.Port)
			}
		} else {
			var adv discovery.MDNSAdvertiser
			go advertiseLoop(ctx, adv, cfg.MDNSName, cfg.Port)
		}
	}

	printBanner(cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCert != "" {
			errCh <- server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logx.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func printBanner(cfg config.Config) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		logx.Info("sysmon-aggregator %s listening on %s:%d (db=%s)", Version, cfg.Host, cfg.Port, cfg.DBPath)
		return
	}
	logx.Banner("")
	logx.Banner("  sysmon-aggregator %s", Version)
	logx.Banner("  listening on %s:%d", cfg.Host, cfg.Port)
	logx.Banner("  database: %s", cfg.DBPath)
	logx.Banner("")
}

// retentionLoop deletes raw samples past the configured horizon on an
// hourly-plus-jitter cadence, the way the teacher's cleanupLoop runs off a
// ticker started in main.
func retentionLoop(ctx context.Context, samples *storage.Store, horizonSeconds int64) {
	for {
		jitter := time.Duration(mathrand.N(300)) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Hour + jitter):
			now := time.Now().Unix()
			deleted, err := samples.Retention(now, horizonSeconds)
			if err != nil {
				logx.Error("retention sweep failed: %v", err)
				continue
			}
			if deleted > 0 {
				logx.Info("retention: deleted %d raw samples", deleted)
			}
		}
	}
}

// downsampleLoop materializes samples_1m and samples_1h from samples_raw,
// resolving spec.md's Open Question (b).
func downsampleLoop(ctx context.Context, samples *storage.Store, intervalSeconds int64) {
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().Unix()
			if err := samples.Downsample(now, 60, storage.Resolution1m, 2*3600); err != nil {
				logx.Error("downsample to 1m failed: %v", err)
			}
			if err := samples.Downsample(now, 3600, storage.Resolution1h, 48*3600); err != nil {
				logx.Error("downsample to 1h failed: %v", err)
			}
		}
	}
}

// reaperLoop flips hosts whose liveness window has elapsed to inactive,
// resolving spec.md's Open Question (c).
func reaperLoop(ctx context.Context, hosts *storage.HostRegistry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := hosts.SweepInactive(time.Now().Unix()); err != nil {
				logx.Error("liveness sweep failed: %v", err)
			}
		}
	}
}

func advertiseLoop(ctx context.Context, adv discovery.Advertiser, hostname string, port int) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		reg := discovery.Registration{Hostname: hostname, Port: port, Expiry: time.Now().Add(time.Minute)}
		if err := adv.Advertise(ctx, reg); err != nil {
			logx.Warn("discovery advertise failed: %v", err)
		}
		select {
		case <-ctx.Done():
			adv.Stop()
			return
		case <-ticker.C:
		}
	}
}

func signingKey() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(buf)), nil
}
