package hostconfig

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// PublicAddressPlaceholder in an extra SAN is replaced with the address of
// the unit
const PublicAddressPlaceholder = "%UNIT_PUBLIC_ADDRESS%"

// Certs manages the kube-apiserver certificate of the snap
type Certs struct {
	host
	csrTemplate string
	reissueLock string
}

// NewCerts creates a certificate configurator
func NewCerts(opts Options) *Certs {
	return &Certs{
		host:        newHost(opts, "certs"),
		csrTemplate: filepath.Join(opts.SnapDataDir, "certs", "csr.conf.template"),
		reissueLock: filepath.Join(opts.SnapDataDir, "var", "lock", "no-cert-reissue"),
	}
}

// altNames renders sans as the alt_names section of the CSR template
func altNames(sans []string, publicAddress string) []string {
	entries := []string{"[ alt_names ]"}
	for i, san := range sans {
		san = strings.TrimSpace(strings.ReplaceAll(san, PublicAddressPlaceholder, publicAddress))
		if san == "" {
			continue
		}
		prefix := "DNS"
		if net.ParseIP(san) != nil {
			prefix = "IP"
		}
		entries = append(entries, fmt.Sprintf("%s.%d = %s", prefix, i+1000, san))
	}
	return entries
}

// ApplyExtraSANs adds sans to the certificate template and refreshes the
// server certificate when the template changed. Returns true on change.
func (c *Certs) ApplyExtraSANs(ctx context.Context, sans []string, publicAddress string) (bool, error) {
	entries := altNames(sans, publicAddress)
	if len(entries) == 1 {
		c.logger.Debug().Msg("No extra SANs will be configured")
		return false, nil
	}

	changed, err := ensureBlockFile(c.csrTemplate, strings.Join(entries, "\n"))
	if err != nil || !changed {
		return false, err
	}

	c.logger.Info().Strs("sans", entries[1:]).Msg("Refreshing kube-apiserver certificate with extra SANs")
	return true, c.run(ctx, "refresh-certs", "microk8s", "refresh-certs", "-e", "server.crt")
}

// DisableReissue stops MicroK8s from reissuing its certificates. Only a
// node that already joined may do this.
func (c *Certs) DisableReissue() (bool, error) {
	changed, err := EnsureFile(c.reissueLock, nil, 0600)
	if changed {
		c.logger.Info().Msg("Disabled automatic certificate reissue")
	}
	return changed, err
}
