// Command mdb-launch detects the installed MPI implementation, writes the
// per-rank appfile selected ranks get wrapped in mdb-worker by, and execs
// mpirun against it, holding the child as the exchange's launch_task (spec
// §6.3).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/TomMelt/mdb-go/internal/launcher"
	"github.com/TomMelt/mdb-go/internal/rankset"

	"github.com/spf13/cobra"
)

var (
	target             string
	workerBin          string
	numRanks           int
	selectStr          string
	host               string
	port               string
	backendName        string
	connectionAttempts int
	redirectStdout     string
	mpiImplOverride    string
	mpiConfigOpt       string
	mpirunPath         string
	pidfilePath        string
	appfileDir         string
)

var rootCmd = &cobra.Command{
	Use:   "mdb-launch",
	Short: "Detect the MPI implementation, write an appfile, and exec mpirun under mdb",
	Long: `mdb-launch writes an mpirun appfile that wraps every selected rank's
target binary in mdb-worker and runs the rest of the job unmodified, then
execs mpirun against it. The mpirun pid is written to --pidfile so a
separately-started mdb-exchange can reap the whole job on shutdown.`,
	SilenceUsage: true,
	Args:         cobra.ArbitraryArgs,
	RunE:         runLaunch,
}

func main() {
	flags := rootCmd.Flags()
	flags.StringVarP(&target, "target", "t", "", "path to the target binary (required)")
	flags.StringVar(&workerBin, "worker-bin", "mdb-worker", "path to the mdb-worker binary")
	flags.IntVarP(&numRanks, "num-ranks", "n", 0, "total number of MPI ranks (required)")
	flags.StringVar(&selectStr, "select", "", "ranks to attach a debugger to, e.g. \"0,3-5,8\" (default: all ranks)")
	flags.StringVarP(&host, "host", "h", "127.0.0.1", "exchange host workers connect to")
	flags.StringVarP(&port, "port", "p", "7777", "exchange port workers connect to")
	flags.StringVarP(&backendName, "backend", "b", "gdb", "debugger backend (gdb, lldb, cuda-gdb)")
	flags.IntVar(&connectionAttempts, "connection-attempts", 30, "worker connection attempts passed through to mdb-worker")
	flags.StringVar(&redirectStdout, "redirect-stdout", "", "directory for per-rank worker log files")
	flags.StringVar(&mpiImplOverride, "mpi-impl", "", "override MPI implementation detection (openmpi, intelmpi, mpich)")
	flags.StringVar(&mpiConfigOpt, "mpi-config-opt", "", "override the appfile flag mpirun is invoked with")
	flags.StringVar(&mpirunPath, "mpirun", "mpirun", "path to the mpirun binary")
	flags.StringVar(&pidfilePath, "pidfile", "", "where to write the mpirun pid (required for mdb-exchange to reap it)")
	flags.StringVar(&appfileDir, "appfile-dir", "", "directory to write the generated appfile into (default: system temp dir)")

	rootCmd.MarkFlagRequired("target")
	rootCmd.MarkFlagRequired("num-ranks")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runLaunch(cmd *cobra.Command, targetArgs []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	effectiveSelect := selectStr
	if effectiveSelect == "" {
		effectiveSelect = allRanksString(numRanks)
	}
	sel, err := rankset.Parse(effectiveSelect, numRanks)
	if err != nil {
		return fmt.Errorf("parsing --select: %w", err)
	}

	kind, err := resolveMPIKind(ctx)
	if err != nil {
		return err
	}
	flag := launcher.ResolveAppFileFlag(kind, mpiConfigOpt)

	plan := launcher.LaunchPlan{
		WorkerBin:          workerBin,
		Target:             target,
		ExchangeHost:       host,
		ExchangePort:       port,
		Backend:            backendName,
		ConnectionAttempts: connectionAttempts,
		RedirectStdout:     redirectStdout,
		Ranks:              make([]launcher.RankSpec, numRanks),
	}
	for r := 0; r < numRanks; r++ {
		plan.Ranks[r] = launcher.RankSpec{Rank: r, Selected: sel.Contains(r), TargetArgs: targetArgs}
	}

	appfile, err := os.CreateTemp(appfileDir, "mdb-appfile-*")
	if err != nil {
		return fmt.Errorf("launcher: creating appfile: %w", err)
	}
	defer os.Remove(appfile.Name())

	if err := launcher.WriteAppFile(appfile, plan); err != nil {
		appfile.Close()
		return err
	}
	if err := appfile.Close(); err != nil {
		return fmt.Errorf("launcher: closing appfile: %w", err)
	}

	args := append(append([]string{}, flag...), appfile.Name())
	task, err := launcher.Start(ctx, mpirunPath, args, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}

	if pidfilePath != "" {
		if err := launcher.WritePidFile(pidfilePath, task.Pid()); err != nil {
			task.Kill()
			return err
		}
		defer os.Remove(pidfilePath)
	}

	go func() {
		<-ctx.Done()
		task.Kill()
	}()

	<-task.Wait()
	return nil
}

func resolveMPIKind(ctx context.Context) (launcher.Kind, error) {
	switch launcher.Kind(mpiImplOverride) {
	case launcher.OpenMPI, launcher.IntelMPI, launcher.MPICH:
		return launcher.Kind(mpiImplOverride), nil
	case "":
		return launcher.DetectMPI(ctx)
	default:
		return "", fmt.Errorf("mdb-launch: unknown --mpi-impl %q", mpiImplOverride)
	}
}

func allRanksString(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("0-%d", n-1)
}
