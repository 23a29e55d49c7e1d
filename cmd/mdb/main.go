// Command mdb is the interactive controller shell described in spec §4.3:
// it attaches to a running mdb-exchange, then reads commands from a
// readline-backed prompt and forwards them to the registered workers,
// printing each rank's aggregated response.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/TomMelt/mdb-go/internal/config"
	"github.com/TomMelt/mdb-go/internal/controller"
	"github.com/TomMelt/mdb-go/internal/logging"
	"github.com/TomMelt/mdb-go/internal/pki"
	"github.com/TomMelt/mdb-go/internal/rankset"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var (
	configPath         string
	host               string
	port               string
	selectStr          string
	historyFile        string
	caCert             string
	clientCert         string
	clientKey          string
	connectionAttempts int
	connectionDelay    time.Duration
	logLevel           string
	logFormat          string
)

var rootCmd = &cobra.Command{
	Use:   "mdb",
	Short: "Attach to an mdb-exchange and drive its workers from an interactive shell",
	Long: `mdb is the controller: it connects to a running mdb-exchange, reports the
job's rank count, backend and debuggable select set on attach, then drops
into a minimal interactive shell. Anything typed at the prompt other than
"ping", "quit" or "exit" is sent as a debug command to every debuggable
rank and the per-rank responses are printed as they're aggregated.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runController,
}

func main() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a controller config file (mdb.yaml); flags below override its values")
	flags.StringVarP(&host, "host", "h", "127.0.0.1", "exchange host")
	flags.StringVarP(&port, "port", "p", "7777", "exchange port")
	flags.StringVar(&selectStr, "select", "", "ranks to target, e.g. \"0,3-5,8\" (default: every debuggable rank)")
	flags.StringVar(&historyFile, "history-file", "", "readline history file (default: $TMPDIR/.mdb_history)")
	flags.StringVar(&caCert, "ca-cert", "", "CA certificate path (defaults to the self-signed pair under ~/.mdb)")
	flags.StringVar(&clientCert, "client-cert", "", "client certificate path")
	flags.StringVar(&clientKey, "client-key", "", "client key path")
	flags.IntVar(&connectionAttempts, "connection-attempts", 30, "max attempts connecting to the exchange")
	flags.DurationVar(&connectionDelay, "connection-retry-delay", time.Second, "delay between connection attempts")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (json, text)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runController(cmd *cobra.Command, _ []string) error {
	exchangeAddr := net.JoinHostPort(host, port)
	logFile := ""
	if configPath != "" {
		cfg, err := config.LoadControllerConfig(configPath)
		if err != nil {
			return err
		}
		logFile = cfg.Logging.File
		if cfg.Exchange.Address != "" && !cmd.Flags().Changed("host") && !cmd.Flags().Changed("port") {
			exchangeAddr = cfg.Exchange.Address
		}
		if !cmd.Flags().Changed("ca-cert") {
			caCert = cfg.TLS.CACert
		}
		if !cmd.Flags().Changed("client-cert") {
			clientCert = cfg.TLS.ClientCert
		}
		if !cmd.Flags().Changed("client-key") {
			clientKey = cfg.TLS.ClientKey
		}
		if !cmd.Flags().Changed("history-file") {
			historyFile = cfg.HistoryFile
		}
		if !cmd.Flags().Changed("log-level") {
			logLevel = cfg.Logging.Level
		}
		if !cmd.Flags().Changed("log-format") {
			logFormat = cfg.Logging.Format
		}
	}

	logger, logCloser := logging.NewLogger(logLevel, logFormat, logFile)
	defer logCloser.Close()

	tlsCfg, err := resolveClientTLS()
	if err != nil {
		return err
	}

	c := controller.New(logger, exchangeAddr, tlsCfg, connectionAttempts, connectionDelay)

	topo, err := c.Connect()
	if err != nil {
		return err
	}
	defer c.Close()

	ranks, err := resolveTargetRanks(topo)
	if err != nil {
		return err
	}

	fmt.Printf("Attached: %d rank(s), backend %q, debuggable select %q\n", topo.NoOfRanks, topo.BackendName, topo.SelectStr)

	return runShell(c, ranks)
}

// resolveTargetRanks honours --select, falling back to every rank the
// exchange's select_str reports as debuggable (spec §3 "select string
// echoed back for display").
func resolveTargetRanks(topo controller.Topology) ([]int, error) {
	str := selectStr
	if str == "" {
		str = topo.SelectStr
	}
	sel, err := rankset.Parse(str, topo.NoOfRanks)
	if err != nil {
		return nil, fmt.Errorf("parsing --select: %w", err)
	}
	ranks := sel.Ranks()
	sort.Ints(ranks)
	return ranks, nil
}

func resolveClientTLS() (*tls.Config, error) {
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

// runShell drives the readline loop (grounded on
// _examples/giantswarm-muster/internal/agent/repl.go's Run): read a line,
// dispatch, print, repeat, until "quit"/"exit" or EOF.
func runShell(c *controller.Controller, ranks []int) error {
	hist := historyFile
	if hist == "" {
		hist = os.TempDir() + "/.mdb_history"
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mdb> ",
		HistoryFile:     hist,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("controller: creating readline instance: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		switch input {
		case "quit", "exit":
			return nil
		case "ping":
			if err := c.Ping(); err != nil {
				fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
			} else {
				fmt.Println("pong")
			}
			continue
		}

		runCommandWithInterrupt(c, input, ranks)
	}
}

// runCommandWithInterrupt sends one debug command and prints its per-rank
// responses as they're aggregated, forwarding Ctrl+C to the exchange as an
// mdb_interrupt_request instead of killing the shell (spec §4.3
// "send_interrupt"): readline only watches for Ctrl+C while Readline()
// itself is blocked, so a dedicated signal channel takes over for the
// duration of the request.
func runCommandWithInterrupt(c *controller.Controller, command string, ranks []int) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)

	type outcome struct {
		results map[int]string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		results, err := c.RunCommand(command, ranks, func(info string) {
			fmt.Println(info)
		})
		done <- outcome{results, err}
	}()

	for {
		select {
		case o := <-done:
			if o.err != nil {
				fmt.Fprintf(os.Stderr, "command failed: %v\n", o.err)
				return
			}
			printResults(o.results)
			return
		case <-sigCh:
			c.SendInterrupt()
		}
	}
}

func printResults(results map[int]string) {
	ranks := make([]int, 0, len(results))
	for r := range results {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	for _, r := range ranks {
		fmt.Printf("[rank %d]\n%s\n", r, results[r])
	}
}
