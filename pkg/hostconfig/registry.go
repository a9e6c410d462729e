package hostconfig

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Registry is a custom container registry. TLS material is base64 encoded
// in configuration and decoded by ParseRegistries.
type Registry struct {
	// URL of the registry, e.g. "https://registry-1.docker.io"
	URL string `json:"url" validate:"required,url"`
	// Host is the name images are pulled by, e.g. "docker.io". Defaults to
	// the host of URL.
	Host     string `json:"host,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	CAFile   string `json:"ca_file,omitempty"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`

	SkipVerify   bool `json:"skip_verify,omitempty"`
	OverridePath bool `json:"override_path,omitempty"`
}

// ParseRegistries parses a JSON list of registries. An empty string is an
// empty list.
func ParseRegistries(data string) ([]Registry, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	var registries []Registry
	if err := dec.Decode(&registries); err != nil {
		return nil, fmt.Errorf("invalid registries: %w", err)
	}

	hosts := make(map[string]bool)
	for i := range registries {
		r := &registries[i]
		if err := validate.Struct(r); err != nil {
			return nil, fmt.Errorf("registry #%d: %w", i, err)
		}
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("registry #%d: url %q must be an http or https url", i, r.URL)
		}
		if r.Host == "" {
			r.Host = u.Host
		}
		if hosts[r.Host] {
			return nil, fmt.Errorf("registry #%d: host %s is configured twice", i, r.Host)
		}
		hosts[r.Host] = true

		for name, field := range map[string]*string{"ca_file": &r.CAFile, "cert_file": &r.CertFile, "key_file": &r.KeyFile} {
			if *field == "" {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(*field)
			if err != nil {
				return nil, fmt.Errorf("registry #%d: %s is not base64: %w", i, name, err)
			}
			*field = string(decoded)
		}
	}
	return registries, nil
}

// hostsFile is the certs.d/<host>/hosts.toml of one registry
type hostsFile struct {
	Server string                `toml:"server"`
	Host   map[string]hostConfig `toml:"host"`
}

type hostConfig struct {
	Capabilities []string `toml:"capabilities"`
	CA           string   `toml:"ca,omitempty"`
	// Client is a certificate path, or a list of [certificate, key] pairs
	Client       any      `toml:"client,omitempty"`
	SkipVerify   bool     `toml:"skip_verify,omitempty"`
	OverridePath bool     `toml:"override_path,omitempty"`
}

func (r Registry) hostsFile(dir string) hostsFile {
	cfg := hostConfig{
		Capabilities: []string{"pull", "resolve"},
		SkipVerify:   r.SkipVerify,
		OverridePath: r.OverridePath,
	}
	if r.CAFile != "" {
		cfg.CA = filepath.Join(dir, "ca.crt")
	}
	switch {
	case r.CertFile != "" && r.KeyFile != "":
		cfg.Client = [][]string{{filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key")}}
	case r.CertFile != "":
		cfg.Client = filepath.Join(dir, "client.crt")
	}
	return hostsFile{Server: r.URL, Host: map[string]hostConfig{r.URL: cfg}}
}

// ApplyRegistries writes the hosts.toml and TLS files of every registry
// and the credentials block of the containerd template. Containerd is
// restarted when the credentials changed. Returns true on any change.
func (c *Containerd) ApplyRegistries(ctx context.Context, registries []Registry) (bool, error) {
	if len(registries) == 0 {
		c.logger.Debug().Msg("No custom registries specified")
		return false, nil
	}

	changed := false
	auth := make(map[string]any)
	for _, r := range registries {
		dir := filepath.Join(c.certsDir, r.Host)
		c.logger.Info().Str("host", r.Host).Str("url", r.URL).Msg("Configuring registry")

		files := []struct{ name, data string }{
			{"ca.crt", r.CAFile},
			{"client.crt", r.CertFile},
			{"client.key", r.KeyFile},
		}
		for _, f := range files {
			path := filepath.Join(dir, f.name)
			if f.data == "" {
				if err := removeFile(path); err != nil {
					return changed, err
				}
				continue
			}
			ok, err := EnsureFile(path, []byte(f.data), 0600)
			if err != nil {
				return changed, err
			}
			changed = changed || ok
		}

		hosts, err := encodeTOML(r.hostsFile(dir))
		if err != nil {
			return changed, fmt.Errorf("failed to encode hosts.toml of %s: %w", r.Host, err)
		}
		ok, err := EnsureFile(filepath.Join(dir, "hosts.toml"), hosts, 0600)
		if err != nil {
			return changed, err
		}
		changed = changed || ok

		if r.Username != "" && r.Password != "" {
			u, _ := url.Parse(r.URL)
			auth[u.Host] = map[string]any{
				"auth": map[string]string{"username": r.Username, "password": r.Password},
			}
		}
	}

	if len(auth) == 0 {
		return changed, nil
	}

	block, err := encodeTOML(map[string]any{
		"plugins": map[string]any{
			"io.containerd.grpc.v1.cri": map[string]any{
				"registry": map[string]any{"configs": auth},
			},
		},
	})
	if err != nil {
		return changed, fmt.Errorf("failed to encode registry credentials: %w", err)
	}
	updated, err := ensureBlockFile(c.templatePath, strings.TrimSpace(string(block)))
	if err != nil || !updated {
		return changed, err
	}

	c.logger.Info().Msg("Restarting containerd to apply registry configuration")
	return true, c.restart(ctx)
}

func encodeTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
