package launcher

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RankSpec describes one rank's entry in the launch plan: whether it's
// wrapped by mdb-worker (selected for debugging) or run bare.
type RankSpec struct {
	Rank       int
	Selected   bool
	TargetArgs []string
}

// LaunchPlan is everything WriteAppFile needs to emit one line per rank
// (spec §6.3).
type LaunchPlan struct {
	WorkerBin          string
	Target             string
	ExchangeHost       string
	ExchangePort       string
	Backend            string
	ConnectionAttempts int
	RedirectStdout     string
	Ranks              []RankSpec
}

// WriteAppFile emits the mpirun appfile: selected ranks get the
// mdb-worker-wrapped form, everyone else runs the target directly (spec
// §6.3).
func WriteAppFile(w io.Writer, plan LaunchPlan) error {
	for _, r := range plan.Ranks {
		var line string
		if r.Selected {
			line = workerLine(plan, r)
		} else {
			line = bareLine(plan, r)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("launcher: writing appfile line for rank %d: %w", r.Rank, err)
		}
	}
	return nil
}

func workerLine(plan LaunchPlan, r RankSpec) string {
	fields := []string{
		"-n", "1",
		plan.WorkerBin,
		"-m", strconv.Itoa(r.Rank),
		"-h", plan.ExchangeHost,
		"-p", plan.ExchangePort,
		"-b", plan.Backend,
		"-t", plan.Target,
		"--connection-attempts", strconv.Itoa(plan.ConnectionAttempts),
	}
	if plan.RedirectStdout != "" {
		fields = append(fields, "--redirect-stdout", plan.RedirectStdout)
	}
	fields = append(fields, "--")
	fields = append(fields, r.TargetArgs...)
	return joinQuoted(fields)
}

func bareLine(plan LaunchPlan, r RankSpec) string {
	fields := append([]string{"-n", "1", plan.Target}, r.TargetArgs...)
	return joinQuoted(fields)
}

func joinQuoted(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		if strings.ContainsAny(f, " \t\"") {
			quoted[i] = strconv.Quote(f)
		} else {
			quoted[i] = f
		}
	}
	return strings.Join(quoted, " ")
}
