package settings

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/sweeney/upsdash/internal/nut"
)

// Well-known keys.
const (
	KeyServers = "NUT_SERVERS"

	// Single-server keys from older settings files.
	KeyHost     = "NUT_HOST"
	KeyPort     = "NUT_PORT"
	KeyUsername = "USERNAME"
	KeyPassword = "PASSWORD"

	KeyInfluxHost   = "INFLUX_HOST"
	KeyInfluxToken  = "INFLUX_TOKEN"
	KeyInfluxOrg    = "INFLUX_ORG"
	KeyInfluxBucket = "INFLUX_BUCKET"
)

// connectionKeys are removed by Disconnect.
var connectionKeys = []string{
	KeyServers, KeyHost, KeyPort, KeyUsername, KeyPassword,
	KeyInfluxHost, KeyInfluxToken, KeyInfluxOrg, KeyInfluxBucket,
}

// Configured reports whether at least one NUT server is stored. An empty
// list counts as not configured.
func Configured(s Store) bool {
	v, ok := s.Get(KeyServers)
	if !ok {
		return false
	}
	list, ok := v.([]any)
	return ok && len(list) > 0
}

// Servers decodes the stored server list into validated configs. Record
// keys are matched case-insensitively. Valid entries are always returned;
// the error, if any, names every entry that was rejected.
func Servers(s Store) ([]nut.ServerConfig, error) {
	v, ok := s.Get(KeyServers)
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a list, got %T", KeyServers, v)
	}

	var (
		out  []nut.ServerConfig
		errs error
	)
	for i, raw := range list {
		cfg, err := decodeServer(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s[%d]: %w", KeyServers, i, err))
			continue
		}
		out = append(out, cfg)
	}
	return out, errs
}

// SetServers replaces the stored server list.
func SetServers(s Store, servers []nut.ServerConfig) error {
	list := make([]any, 0, len(servers))
	for i, cfg := range servers {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%s[%d]: %w", KeyServers, i, err)
		}
		rec := map[string]any{
			"HOST": cfg.Host,
			"PORT": cfg.Port,
		}
		if cfg.Username != "" {
			rec["USERNAME"] = cfg.Username
		}
		if cfg.Password != "" {
			rec["PASSWORD"] = cfg.Password
		}
		list = append(list, rec)
	}
	return s.Set(KeyServers, list)
}

// Disconnect forgets every server and exporter connection setting.
func Disconnect(s Store) error {
	var errs error
	for _, k := range connectionKeys {
		errs = multierr.Append(errs, s.Delete(k))
	}
	return errs
}

func decodeServer(raw any) (nut.ServerConfig, error) {
	rec, ok := raw.(map[string]any)
	if !ok {
		return nut.ServerConfig{}, fmt.Errorf("expected a mapping, got %T", raw)
	}
	fields := make(map[string]any, len(rec))
	for k, v := range rec {
		fields[strings.ToLower(k)] = v
	}

	host, err := stringField(fields, "host")
	if err != nil {
		return nut.ServerConfig{}, err
	}
	user, err := stringField(fields, "username")
	if err != nil {
		return nut.ServerConfig{}, err
	}
	pass, err := stringField(fields, "password")
	if err != nil {
		return nut.ServerConfig{}, err
	}
	port, err := portField(fields["port"])
	if err != nil {
		return nut.ServerConfig{}, err
	}
	return nut.NewServerConfig(host, port, user, pass)
}

func stringField(fields map[string]any, name string) (string, error) {
	switch v := fields[name].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return "", fmt.Errorf("%s: expected a string, got %T", name, v)
	}
}

// portField accepts the port as a number or a numeric string; absent means
// the default port.
func portField(v any) (int, error) {
	switch p := v.(type) {
	case nil:
		return 0, nil
	case int:
		return p, nil
	case int64:
		return int(p), nil
	case uint64:
		return int(p), nil
	case float64:
		if p != float64(int(p)) {
			return 0, fmt.Errorf("port: %v is not a whole number", p)
		}
		return int(p), nil
	case string:
		if strings.TrimSpace(p) == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, fmt.Errorf("port: %q is not a number", p)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("port: expected a number, got %T", v)
	}
}

// errReporter is implemented by stores that can tell an unreadable backing
// file from an empty one.
type errReporter interface {
	Err() error
}

// Resolve returns the stored server list when one is configured, and
// fallback otherwise. An unreadable store also yields fallback, together
// with the read error.
func Resolve(s Store, fallback []nut.ServerConfig) ([]nut.ServerConfig, error) {
	if r, ok := s.(errReporter); ok {
		if err := r.Err(); err != nil {
			return fallback, err
		}
	}
	if !Configured(s) {
		return fallback, nil
	}
	return Servers(s)
}
