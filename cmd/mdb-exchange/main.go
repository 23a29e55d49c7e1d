// Command mdb-exchange runs the broker process at the centre of an mdb
// job: it accepts worker and controller connections, runs the registration
// barrier, and fans debug commands out to the worker roster (spec §4.1).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/TomMelt/mdb-go/internal/backend"
	"github.com/TomMelt/mdb-go/internal/config"
	"github.com/TomMelt/mdb-go/internal/exchange"
	"github.com/TomMelt/mdb-go/internal/launcher"
	"github.com/TomMelt/mdb-go/internal/logging"
	"github.com/TomMelt/mdb-go/internal/pki"
	"github.com/TomMelt/mdb-go/internal/rankset"

	"github.com/spf13/cobra"
)

var (
	configPath    string
	launchPidfile string
)

var rootCmd = &cobra.Command{
	Use:   "mdb-exchange",
	Short: "Run the mdb broker that fans debug commands out to a worker roster",
	Long: `mdb-exchange is the broker at the centre of a debugging session: it
waits for one worker per selected MPI rank to register, then serves an
attached mdb controller by forwarding its commands to every registered
worker and aggregating their responses into a single per-round reply.`,
	SilenceUsage: true,
	RunE:         runExchange,
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to exchange config file (required)")
	rootCmd.Flags().StringVar(&launchPidfile, "launch-pidfile", "", "pidfile of a separately-started mdb-launch process to kill on shutdown")
	rootCmd.MarkFlagRequired("config")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExchange(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadExchangeConfig(configPath)
	if err != nil {
		return err
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	b, err := backend.Lookup(cfg.Job.Backend)
	if err != nil {
		return err
	}

	selectStr := cfg.Job.Select
	if selectStr == "" {
		selectStr = fmt.Sprintf("0-%d", cfg.Job.NumRanks-1)
	}
	sel, err := rankset.Parse(selectStr, cfg.Job.NumRanks)
	if err != nil {
		return fmt.Errorf("parsing job.select: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tlsCfg, err := resolveServerTLS(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var launchTask exchange.LaunchTask
	if launchPidfile != "" {
		pid, err := launcher.ReadPidFile(launchPidfile)
		if err != nil {
			return err
		}
		launchTask = launcher.NewPidTask(pid)
	}

	ex := exchange.New(logger, b, sel, cfg.Job.NumRanks, launchTask)
	ex.RegTimeout = cfg.Registration.Timeout

	ln, err := pki.Listen(cfg.Listen.Address, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
	}

	logger.Info("exchange listening", "address", cfg.Listen.Address, "num_ranks", cfg.Job.NumRanks, "select", sel.String(), "backend", b.Name())
	return ex.Run(ctx, ln)
}

// resolveServerTLS builds the exchange's server-side TLS config, falling
// back to a self-signed cert/key pair under ~/.mdb when none is configured
// (spec §6.5), or to nil when MDB_DISABLE_TLS is set.
func resolveServerTLS(ctx context.Context, cfg *config.ExchangeConfig, logger *slog.Logger) (*tls.Config, error) {
	if pki.TLSDisabled() {
		logger.Warn("MDB_DISABLE_TLS is set, accepting plain TCP connections")
		return nil, nil
	}

	caCert, serverCert, serverKey := cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey
	if caCert == "" || serverCert == "" || serverKey == "" {
		genCtx, cancel := context.WithTimeout(ctx, pki.EnsureSelfSignedTimeout)
		defer cancel()
		paths, err := pki.EnsureSelfSigned(genCtx, "")
		if err != nil {
			return nil, err
		}
		caCert, serverCert, serverKey = paths.CertPath, paths.CertPath, paths.KeyPath
	}

	return pki.NewServerTLSConfig(caCert, serverCert, serverKey)
}
