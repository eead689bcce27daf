package settings

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

const utf8BOM = "\ufeff"

// Loader assembles Settings from the files named by its Paths.
type Loader struct {
	fs           afero.Fs
	paths        Paths
	proxy        ProxyConfig
	cpu          string
	memoryMB     string
	markerToken  string
	validateKeys bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithFs replaces the filesystem the loader reads from.
func WithFs(fs afero.Fs) Option {
	return func(l *Loader) {
		if fs != nil {
			l.fs = fs
		}
	}
}

// WithProxy overrides the proxy triple applied when the marker is affirmative.
func WithProxy(proxy ProxyConfig) Option {
	return func(l *Loader) {
		l.proxy = proxy
	}
}

// WithResources overrides the default CPU count and memory size.
func WithResources(cpu, memoryMB string) Option {
	return func(l *Loader) {
		if cpu != "" {
			l.cpu = cpu
		}
		if memoryMB != "" {
			l.memoryMB = memoryMB
		}
	}
}

// WithMarkerToken overrides the token searched for in the marker file.
func WithMarkerToken(token string) Option {
	return func(l *Loader) {
		if token != "" {
			l.markerToken = token
		}
	}
}

// WithKeyValidation makes Load reject keys that are not authorized_keys entries.
func WithKeyValidation(enabled bool) Option {
	return func(l *Loader) {
		l.validateKeys = enabled
	}
}

// NewLoader constructs a Loader reading from the OS filesystem unless WithFs is given.
func NewLoader(paths Paths, opts ...Option) *Loader {
	l := &Loader{
		fs:          afero.NewOsFs(),
		paths:       paths,
		proxy:       DefaultProxy(),
		cpu:         DefaultCPU,
		memoryMB:    DefaultMemoryMB,
		markerToken: DefaultMarkerToken,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Paths returns the files the loader reads.
func (l *Loader) Paths() Paths {
	return l.paths
}

// Load reads both keys and the proxy marker and assembles a fresh Settings value.
func (l *Loader) Load(ctx context.Context) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}
	adminKey, err := l.readKey(l.paths.AdminKey)
	if err != nil {
		return Settings{}, err
	}

	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}
	rootKey, err := l.readKey(l.paths.RootKey)
	if err != nil {
		return Settings{}, err
	}

	out := Settings{
		AdminKey:        adminKey,
		RootKey:         rootKey,
		DefaultCPU:      l.cpu,
		DefaultMemoryMB: l.memoryMB,
	}

	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}
	enabled, err := ProxyRequested(l.fs, l.paths.ProxyMarker, l.markerToken)
	if err != nil {
		return Settings{}, err
	}
	if enabled {
		proxy := l.proxy
		out.Proxy = &proxy
	}

	return out, nil
}

func (l *Loader) readKey(path string) (string, error) {
	key, err := ReadCredential(l.fs, path)
	if err != nil {
		return "", err
	}
	if l.validateKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return "", &LoadError{Kind: KindInvalidCredential, Path: path, Err: err}
		}
	}
	return key, nil
}

// ReadCredential returns the first line of the file at path with surrounding whitespace removed.
// Unicode spaces such as U+00A0 count as whitespace too, along with a leading BOM.
func ReadCredential(fs afero.Fs, path string) (string, error) {
	f, err := openRegular(fs, path)
	if err != nil {
		return "", &LoadError{Kind: KindMissingCredentialFile, Path: path, Err: err}
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", &LoadError{Kind: KindMissingCredentialFile, Path: path, Err: err}
	}

	key := strings.TrimSpace(strings.TrimPrefix(line, utf8BOM))
	if key == "" {
		return "", &LoadError{Kind: KindEmptyCredentialFile, Path: path}
	}
	return key, nil
}

// ProxyRequested reports whether any line of the marker file contains token.
func ProxyRequested(fs afero.Fs, path, token string) (bool, error) {
	f, err := openRegular(fs, path)
	if err != nil {
		return false, &LoadError{Kind: KindMissingProxyMarkerFile, Path: path, Err: err}
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if strings.Contains(line, token) {
			return true, nil
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, &LoadError{Kind: KindMissingProxyMarkerFile, Path: path, Err: err}
		}
	}
}

func openRegular(fs afero.Fs, path string) (afero.File, error) {
	if path == "" {
		return nil, errors.New("no path configured")
	}
	info, err := fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return fs.Open(path)
}
