package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Mode selects how peer certificates are verified.
type Mode int

const (
	// ModeSystemCA verifies peers against the host trust store.
	ModeSystemCA Mode = iota
	// ModeSkip disables verification. Intended for local development only.
	ModeSkip
	// ModeCustomCA verifies peers against the bundle in CAFile.
	ModeCustomCA
	// ModeMutualTLS verifies peers against CAFile and presents CertFile/KeyFile.
	ModeMutualTLS
)

func (m Mode) String() string {
	switch m {
	case ModeSkip:
		return "skip"
	case ModeCustomCA:
		return "custom_ca"
	case ModeMutualTLS:
		return "mutual_tls"
	default:
		return "system_ca"
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "system_ca", "system":
		return ModeSystemCA, nil
	case "skip":
		return ModeSkip, nil
	case "custom_ca", "custom":
		return ModeCustomCA, nil
	case "mutual_tls", "mtls":
		return ModeMutualTLS, nil
	}
	return ModeSystemCA, fmt.Errorf("tls: unknown verification mode %q", s)
}

// Config is the transport-neutral TLS description shared by every client and server.
type Config struct {
	Enabled    bool
	Mode       Mode
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
}

// Validate reports missing files for the selected mode.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if (c.Mode == ModeCustomCA || c.Mode == ModeMutualTLS) && c.CAFile == "" {
		errs = append(errs, fmt.Errorf("tls: %s mode requires a CA file", c.Mode))
	}
	if c.Mode == ModeMutualTLS && (c.CertFile == "" || c.KeyFile == "") {
		errs = append(errs, errors.New("tls: mutual_tls mode requires cert and key files"))
	}
	return errors.Join(errs...)
}

// Client builds a *tls.Config for dialing. It returns nil when TLS is disabled.
func (c Config) Client() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: c.ServerName}
	switch c.Mode {
	case ModeSkip:
		out.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	case ModeCustomCA, ModeMutualTLS:
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if c.Mode == ModeMutualTLS {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// Server builds a *tls.Config for listening. CertFile and KeyFile are always
// required; ModeMutualTLS additionally demands and verifies client certificates.
func (c Config) Server() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("tls: server requires cert and key files")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	if c.Mode == ModeMutualTLS {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tls: no certificates found in %s", path)
	}
	return pool, nil
}
