// Package launcher implements the MPI launcher glue named in spec §6.3:
// detecting the installed MPI implementation, writing the per-rank appfile
// it consumes, and holding the spawned mpirun process as the exchange's
// launch_task so it can be reaped on shutdown.
package launcher

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Kind identifies one of the three MPI implementations spec §6.3 names.
type Kind string

const (
	OpenMPI  Kind = "openmpi"
	IntelMPI Kind = "intelmpi"
	MPICH    Kind = "mpich"
)

// DetectMPI runs "mpirun --version" and pattern-matches its banner to
// decide which appfile flag convention applies (spec §6.3).
func DetectMPI(ctx context.Context) (Kind, error) {
	out, err := exec.CommandContext(ctx, "mpirun", "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("launcher: running mpirun --version: %w", err)
	}

	banner := string(out)
	switch {
	case strings.Contains(banner, "Open MPI"):
		return OpenMPI, nil
	case strings.Contains(banner, "Intel(R) MPI"):
		return IntelMPI, nil
	case strings.Contains(banner, "MPICH"):
		return MPICH, nil
	default:
		return "", fmt.Errorf("launcher: unsupported MPI implementation, mpirun --version reported: %s", strings.TrimSpace(banner))
	}
}

// AppFileFlag returns the flag mpirun needs to consume an appfile for the
// given implementation (spec §6.3).
func AppFileFlag(kind Kind) []string {
	switch kind {
	case OpenMPI:
		return []string{"--app"}
	case IntelMPI:
		return []string{"--configfile"}
	case MPICH:
		return []string{"--pmi-port", "--configfile"}
	default:
		return nil
	}
}

// ResolveAppFileFlag honours a user-supplied "--mpi-config-opt" override
// (spec §6.3) ahead of the auto-detected convention.
func ResolveAppFileFlag(kind Kind, override string) []string {
	if override != "" {
		return []string{override}
	}
	return AppFileFlag(kind)
}
