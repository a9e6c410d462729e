package hostconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultClusterDomain is used when a cluster DNS address has no domain
const DefaultClusterDomain = "cluster.local"

// DNSConfig points the kubelet at a cluster DNS service
type DNSConfig struct {
	ClusterIP string
	Domain    string
}

// DNS manages the kubelet DNS arguments and the CoreDNS configuration
type DNS struct {
	host
	kubeletArgs string
}

// NewDNS creates a DNS configurator
func NewDNS(opts Options) *DNS {
	return &DNS{
		host:        newHost(opts, "dns"),
		kubeletArgs: filepath.Join(opts.SnapDataDir, "args", "kubelet"),
	}
}

// ApplyKubelet writes the cluster DNS arguments of the kubelet and restarts
// it when they changed. Returns true on change.
func (d *DNS) ApplyKubelet(ctx context.Context, cfg DNSConfig) (bool, error) {
	if cfg.ClusterIP == "" {
		d.logger.Debug().Msg("No cluster DNS address specified")
		return false, nil
	}
	domain := cfg.Domain
	if domain == "" {
		domain = DefaultClusterDomain
	}

	block := fmt.Sprintf("--cluster-dns=%s\n--cluster-domain=%s", cfg.ClusterIP, domain)
	changed, err := ensureBlockFile(d.kubeletArgs, block)
	if err != nil || !changed {
		return false, err
	}

	d.logger.Info().Str("ip", cfg.ClusterIP).Str("domain", domain).Msg("Restarting kubelite to apply DNS configuration")
	return true, d.run(ctx, "restart-kubelite", "snap", "restart", "microk8s.daemon-kubelite")
}

// ApplyCorefile replaces the Corefile of the coredns config map when it
// differs from corefile. Returns true on change.
func (d *DNS) ApplyCorefile(ctx context.Context, corefile string) (bool, error) {
	if strings.TrimSpace(corefile) == "" {
		return false, nil
	}

	current, err := d.output(ctx, "get-corefile", "microk8s", "kubectl", "get", "configmap", "coredns",
		"-n", "kube-system", "-o", "jsonpath={.data.Corefile}")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(string(current)) == strings.TrimSpace(corefile) {
		d.logger.Debug().Msg("Corefile is up to date")
		return false, nil
	}

	patch, err := json.Marshal(map[string]any{"data": map[string]string{"Corefile": corefile}})
	if err != nil {
		return false, err
	}
	if err := d.run(ctx, "patch-corefile", "microk8s", "kubectl", "patch", "configmap", "coredns",
		"-n", "kube-system", "--type", "merge", "-p", string(patch)); err != nil {
		return false, err
	}
	d.logger.Info().Msg("Updated coredns config map")
	return true, nil
}
