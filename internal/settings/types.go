package settings

import "path/filepath"

const (
	// DefaultCPU is the CPU count handed to every VM unless a box overrides it.
	DefaultCPU = "1"
	// DefaultMemoryMB is the memory size in megabytes handed to every VM.
	DefaultMemoryMB = "512"
	// DefaultMarkerToken switches proxy mode on when found in any marker line.
	DefaultMarkerToken = "True"

	defaultHTTPProxy  = "http://proxy.foobar.com:911"
	defaultHTTPSProxy = "https://proxy.foobar.com:912"
	defaultNoProxy    = "localhost,127.0.0.1,*.mylocaldomain.com,172.10.0.0/24,172.16.0.0/24"
)

// Paths locates the files a load reads.
type Paths struct {
	AdminKey    string
	RootKey     string
	ProxyMarker string
}

// DefaultPaths returns the conventional layout under the given home directory.
func DefaultPaths(home string) Paths {
	certs := filepath.Join(home, "repos", "certs")
	return Paths{
		AdminKey:    filepath.Join(certs, "adminvm_karlv_id_rsa.pub"),
		RootKey:     filepath.Join(certs, "adminvm_root_id_rsa.pub"),
		ProxyMarker: filepath.Join(home, ".setproxies"),
	}
}

// ProxyConfig is the proxy triple applied to outbound traffic from provisioned VMs.
type ProxyConfig struct {
	HTTP    string
	HTTPS   string
	NoProxy string
}

// DefaultProxy returns the corporate proxy endpoints.
func DefaultProxy() ProxyConfig {
	return ProxyConfig{
		HTTP:    defaultHTTPProxy,
		HTTPS:   defaultHTTPSProxy,
		NoProxy: defaultNoProxy,
	}
}

// Settings is the immutable result of a load. Proxy is nil when proxy mode is off.
type Settings struct {
	AdminKey        string
	RootKey         string
	DefaultCPU      string
	DefaultMemoryMB string
	Proxy           *ProxyConfig
}

// ProxyEnabled reports whether the proxy triple is present.
func (s Settings) ProxyEnabled() bool {
	return s.Proxy != nil
}

// Clone returns a copy that shares no pointers with s.
func (s Settings) Clone() Settings {
	out := s
	if s.Proxy != nil {
		p := *s.Proxy
		out.Proxy = &p
	}
	return out
}

// Equal compares two results field by field, including the proxy triple.
func (s Settings) Equal(other Settings) bool {
	if s.AdminKey != other.AdminKey ||
		s.RootKey != other.RootKey ||
		s.DefaultCPU != other.DefaultCPU ||
		s.DefaultMemoryMB != other.DefaultMemoryMB {
		return false
	}
	if s.Proxy == nil || other.Proxy == nil {
		return s.Proxy == nil && other.Proxy == nil
	}
	return *s.Proxy == *other.Proxy
}
