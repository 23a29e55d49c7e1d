// Command mdb-worker is the per-rank debug client an mpirun appfile wraps
// one selected rank's target binary with (spec §4.2, §6.3). It owns a
// single backend debugger subprocess and serves the exchange until the
// connection breaks.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TomMelt/mdb-go/internal/backend"
	"github.com/TomMelt/mdb-go/internal/config"
	"github.com/TomMelt/mdb-go/internal/logging"
	"github.com/TomMelt/mdb-go/internal/pki"
	"github.com/TomMelt/mdb-go/internal/worker"

	"github.com/spf13/cobra"
)

var (
	configPath         string
	rank               int
	host               string
	port               string
	backendName        string
	target             string
	connectionAttempts int
	connectionDelay    time.Duration
	redirectStdout     string
	caCert             string
	clientCert         string
	clientKey          string
	logLevel           string
	logFormat          string
)

var rootCmd = &cobra.Command{
	Use:   "mdb-worker",
	Short: "Run one MPI rank's debug client, wrapping its target under a debugger backend",
	Long: `mdb-worker spawns one backend debugger (gdb, lldb, cuda-gdb) against its
rank's target binary, registers with an mdb-exchange broker, then executes
whatever commands the attached controller sends it, returning exactly one
response per round (spec §4.2).

mdb-worker is normally invoked once per selected rank from the appfile
mdb-launch generates, not run by hand.`,
	SilenceUsage: true,
	Args:         cobra.ArbitraryArgs,
	RunE:         runWorker,
}

func main() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a worker config file (standalone single-rank testing; overrides the flags below)")
	flags.IntVarP(&rank, "rank", "m", -1, "this worker's MPI rank (required unless --config is given)")
	flags.StringVarP(&host, "host", "h", "127.0.0.1", "exchange host")
	flags.StringVarP(&port, "port", "p", "7777", "exchange port")
	flags.StringVarP(&backendName, "backend", "b", "gdb", "debugger backend (gdb, lldb, cuda-gdb)")
	flags.StringVarP(&target, "target", "t", "", "path to the target binary (required unless --config is given)")
	flags.IntVar(&connectionAttempts, "connection-attempts", 30, "max attempts connecting to the exchange")
	flags.DurationVar(&connectionDelay, "connection-retry-delay", time.Second, "delay between connection attempts")
	flags.StringVar(&redirectStdout, "redirect-stdout", "", "directory to write this rank's log file into")
	flags.StringVar(&caCert, "ca-cert", "", "CA certificate path (defaults to the self-signed pair under ~/.mdb)")
	flags.StringVar(&clientCert, "client-cert", "", "client certificate path")
	flags.StringVar(&clientKey, "client-key", "", "client key path")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "json", "log format (json, text)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, targetArgs []string) error {
	if configPath != "" {
		return runWorkerFromConfig()
	}

	if rank < 0 {
		return fmt.Errorf("--rank is required")
	}
	if target == "" {
		return fmt.Errorf("--target is required")
	}

	logger, logCloser := logging.NewLogger(logLevel, logFormat, "")
	defer logCloser.Close()

	logger, rankCloser, _, err := logging.NewRankLogger(logger, redirectStdout, rank)
	if err != nil {
		return fmt.Errorf("opening rank log: %w", err)
	}
	defer rankCloser.Close()

	b, err := backend.Lookup(backendName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tlsCfg, err := resolveClientTLS(caCert, clientCert, clientKey)
	if err != nil {
		return err
	}

	exchangeAddr := net.JoinHostPort(host, port)
	w := worker.New(logger, rank, b, target, targetArgs, exchangeAddr, tlsCfg, connectionAttempts, connectionDelay)
	w.Transcript = logging.NewTranscriptWriter(logger)
	return w.Run(ctx)
}

// runWorkerFromConfig is the standalone single-rank path (spec §3's
// WorkerConfig doc comment): a hand-authored worker.yaml stands in for the
// flags mdb-launch would otherwise synthesize per rank.
func runWorkerFromConfig() error {
	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		return err
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	logger, rankCloser, _, err := logging.NewRankLogger(logger, cfg.RankLogDir, cfg.Rank)
	if err != nil {
		return fmt.Errorf("opening rank log: %w", err)
	}
	defer rankCloser.Close()

	b, err := backend.Lookup(cfg.Backend)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tlsCfg, err := resolveClientTLS(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		return err
	}

	w := worker.New(logger, cfg.Rank, b, cfg.Target.Path, cfg.Target.Args, cfg.Exchange.Address, tlsCfg, cfg.Connection.MaxAttempts, cfg.Connection.RetryDelay)
	w.Transcript = logging.NewTranscriptWriter(logger)
	return w.Run(ctx)
}

func resolveClientTLS(caCert, clientCert, clientKey string) (*tls.Config, error) {
	if pki.TLSDisabled() {
		return nil, nil
	}

	ca, cert, key := caCert, clientCert, clientKey
	if ca == "" || cert == "" || key == "" {
		genCtx, cancel := context.WithTimeout(context.Background(), pki.EnsureSelfSignedTimeout)
		defer cancel()
		paths, err := pki.EnsureSelfSigned(genCtx, "")
		if err != nil {
			return nil, err
		}
		ca, cert, key = paths.CertPath, paths.CertPath, paths.KeyPath
	}

	return pki.NewClientTLSConfig(ca, cert, key)
}
