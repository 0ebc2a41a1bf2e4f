// Package config implements the layered configuration loader described in
// the specification's external-interfaces section: command-line
// `--config.<key>=<value>` flags, process environment variables, a
// properties file referenced by `--config.file=<path>`, and built-in
// defaults, in that precedence order. An invalid value for a typed getter
// falls back to the default and logs a warning rather than failing.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/rerrors"
)

// Resolver answers typed configuration lookups against the layered
// sources. It is constructed once per process and passed explicitly to
// every component, never reached via a package-level global.
type Resolver struct {
	logger *zap.Logger
	cli    map[string]string
	env    map[string]string
	file   map[string]string
}

// New builds a Resolver from process argv (excluding argv[0]) and the
// process environment. If argv contains `--config.file=<path>`, that file
// is parsed as `key=value` lines (blank lines and lines starting with '#'
// are ignored).
func New(argv []string, environ []string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Resolver{
		logger: logger,
		cli:    parseCLIArgs(argv),
		env:    parseEnviron(environ),
	}

	if path, ok := r.cli["config.file"]; ok {
		props, err := loadPropertiesFile(path)
		if err != nil {
			parseErr := rerrors.New(rerrors.KindInternal, "config: load file", err)
			logger.Warn("failed to read config file, ignoring", zap.String("path", path), zap.Error(parseErr))
		} else {
			r.file = props
		}
	}
	return r
}

func parseCLIArgs(argv []string) map[string]string {
	out := map[string]string{}
	for _, arg := range argv {
		if !strings.HasPrefix(arg, "--config.") {
			continue
		}
		kv := strings.TrimPrefix(arg, "--config.")
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		out[key] = value
	}
	return out
}

// parseEnviron indexes the environment by upper-cased variable name;
// envKey maps "tracker.port" style keys onto those "TRACKER_PORT" names.
func parseEnviron(environ []string) map[string]string {
	out := map[string]string{}
	for _, kv := range environ {
		key, value, found := strings.Cut(kv, "=")
		if found {
			out[strings.ToUpper(key)] = value
		}
	}
	return out
}

func loadPropertiesFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, scanner.Err()
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// raw looks up key across sources in precedence order: CLI, environment,
// file, then "" with found=false if nothing matched.
func (r *Resolver) raw(key string) (string, bool) {
	if v, ok := r.cli[key]; ok {
		return v, true
	}
	if v, ok := r.env[envKey(key)]; ok {
		return v, true
	}
	if v, ok := r.file[key]; ok {
		return v, true
	}
	return "", false
}

// String returns the resolved string value for key, or def if unset.
func (r *Resolver) String(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

// Int returns the resolved integer value for key, or def if unset or
// unparsable (logging a warning in the latter case).
func (r *Resolver) Int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.logger.Warn("invalid integer config value, using default", zap.String("key", key), zap.String("value", v))
		return def
	}
	return n
}

// Bool returns the resolved boolean value for key, or def if unset or
// unparsable.
func (r *Resolver) Bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.logger.Warn("invalid boolean config value, using default", zap.String("key", key), zap.String("value", v))
		return def
	}
	return b
}

// Duration returns the resolved value for key parsed as milliseconds, or
// def if unset or unparsable. The specification expresses every interval
// in milliseconds (e.g. "discovery.gossip.interval.ms").
func (r *Resolver) Duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("invalid duration config value, using default", zap.String("key", key), zap.String("value", v))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// StringSlice splits the resolved comma-separated value for key, or
// returns def if unset.
func (r *Resolver) StringSlice(key string, def []string) []string {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
