package pki

import (
	"crypto/tls"
	"net"
	"os"
)

// DisableTLSEnv, when set to a truthy value, makes Dial/Listen fall back
// to plain TCP instead of TLS (spec §6.5, developer convenience; never
// meant for production use — the exchange logs a warning when it's set).
const DisableTLSEnv = "MDB_DISABLE_TLS"

// DisableHostnameVerifyEnv, when set to a truthy value, makes
// NewClientTLSConfig skip hostname verification while still validating
// the peer's certificate chain against the configured CA (spec §6.5).
const DisableHostnameVerifyEnv = "MDB_DISABLE_HOSTNAME_VERIFY"

// TLSDisabled reports whether DisableTLSEnv is set to a truthy value.
func TLSDisabled() bool {
	return envTruthy(DisableTLSEnv)
}

// HostnameVerifyDisabled reports whether DisableHostnameVerifyEnv is set
// to a truthy value.
func HostnameVerifyDisabled() bool {
	return envTruthy(DisableHostnameVerifyEnv)
}

// Listen opens a listener on addr. When cfg is non-nil and TLS hasn't
// been disabled by environment, it's a TLS listener requiring client
// certificates; otherwise it's a plain TCP listener. Exchange call sites
// use this so MDB_DISABLE_TLS is the only place the fallback is decided.
func Listen(addr string, cfg *tls.Config) (net.Listener, error) {
	if cfg == nil || TLSDisabled() {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, cfg)
}

// Dial connects to addr. When cfg is non-nil and TLS hasn't been disabled
// by environment, it performs a TLS handshake with mutual authentication;
// otherwise it's a plain TCP dial. Worker and controller call sites use
// this so MDB_DISABLE_TLS is the only place the fallback is decided.
func Dial(addr string, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil || TLSDisabled() {
		return net.Dial("tcp", addr)
	}
	return tls.Dial("tcp", addr, cfg)
}

func envTruthy(name string) bool {
	v := os.Getenv(name)
	return v != "" && v != "0" && v != "false"
}
