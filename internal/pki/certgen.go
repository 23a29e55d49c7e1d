package pki

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// OpenSSLEnv overrides the openssl binary used by EnsureSelfSigned,
// per spec §6.5.
const OpenSSLEnv = "MDB_OPENSSL"

// DefaultDir is the per-user directory holding the self-signed CA/cert
// pair mdb generates on first run when no TLS material is supplied.
const DefaultDir = ".mdb"

// CertPaths names the two files EnsureSelfSigned produces: a self-signed
// certificate and its RSA private key. mdb uses the same pair as both CA
// and leaf certificate (spec §6.5 describes a single self-signed pair,
// not a CA hierarchy), so one path pair serves client and server config.
type CertPaths struct {
	CertPath string
	KeyPath  string
}

// EnsureSelfSigned returns the self-signed cert/key pair under dir
// (DefaultDir under the user's home directory if dir is empty),
// generating it with openssl if it doesn't already exist. This is the
// one-shot step a bare `mdb-exchange`/`mdb-worker`/`mdb` invocation takes
// when it is not given all three certificate paths (the tls.* config
// fields, or the --ca-cert/--client-cert/--client-key flags).
func EnsureSelfSigned(ctx context.Context, dir string) (CertPaths, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return CertPaths{}, fmt.Errorf("pki: resolving home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDir)
	}

	paths := CertPaths{
		CertPath: filepath.Join(dir, "cert.pem"),
		KeyPath:  filepath.Join(dir, "key.rsa"),
	}

	if _, err := os.Stat(paths.CertPath); err == nil {
		if _, err := os.Stat(paths.KeyPath); err == nil {
			return paths, nil
		}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CertPaths{}, fmt.Errorf("pki: creating %s: %w", dir, err)
	}

	openssl := os.Getenv(OpenSSLEnv)
	if openssl == "" {
		openssl = "openssl"
	}

	cmd := exec.CommandContext(ctx, openssl,
		"req", "-x509", "-nodes",
		"-newkey", "rsa:2048",
		"-keyout", paths.KeyPath,
		"-out", paths.CertPath,
		"-days", "3650",
		"-subj", "/CN=mdb-self-signed",
		"-addext", "subjectAltName=DNS:localhost,IP:127.0.0.1",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return CertPaths{}, fmt.Errorf("pki: generating self-signed certificate via %s: %w: %s", openssl, err, out)
	}

	if err := os.Chmod(paths.KeyPath, 0o600); err != nil {
		return CertPaths{}, fmt.Errorf("pki: restricting key permissions: %w", err)
	}

	return paths, nil
}

// EnsureSelfSignedTimeout is the default deadline applied by cmd/ entry
// points around EnsureSelfSigned, since openssl's req generator can hang
// waiting on terminal entropy prompts if -nodes/-subj are ever dropped.
const EnsureSelfSignedTimeout = 10 * time.Second
