package nut

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// DefaultPort is the IANA-assigned upsd port.
const DefaultPort = 3493

// ErrInvalidServerConfig is wrapped by every ServerConfig validation failure.
var ErrInvalidServerConfig = errors.New("invalid server config")

// ServerConfig identifies one upsd daemon and the credentials used for
// privileged commands. Treat it as a value: it is copied, never shared.
type ServerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// NewServerConfig applies the default port and validates the result.
func NewServerConfig(host string, port int, username, password string) (ServerConfig, error) {
	cfg := ServerConfig{
		Host:     strings.TrimSpace(host),
		Port:     port,
		Username: username,
		Password: password,
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configs that could never produce a working connection.
func (s ServerConfig) Validate() error {
	switch {
	case s.Host == "":
		return fmt.Errorf("%w: host is empty", ErrInvalidServerConfig)
	case strings.ContainsAny(s.Host, " \t\r\n"):
		return fmt.Errorf("%w: host %q contains whitespace", ErrInvalidServerConfig, s.Host)
	case s.Port < 1 || s.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidServerConfig, s.Port)
	case s.Username == "" && s.Password != "":
		return fmt.Errorf("%w: password set without username for %s", ErrInvalidServerConfig, s.Addr())
	}
	return nil
}

// Addr returns host:port, suitable for net.Dial.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// HasCredentials reports whether privileged commands can be attempted.
func (s ServerConfig) HasCredentials() bool {
	return s.Username != ""
}

func (s ServerConfig) String() string { return s.Addr() }

// Device is a snapshot of one UPS as reported by a single server.
type Device struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Vars        map[string]string `json:"vars"`
	RWVars      []string          `json:"rwVars"`
	Commands    []string          `json:"commands"`
	Clients     []string          `json:"clients"`
}

// Writable reports whether name is in the device's RW variable set.
func (d Device) Writable(name string) bool {
	i := sort.SearchStrings(d.RWVars, name)
	return i < len(d.RWVars) && d.RWVars[i] == name
}

// Variables returns the device's variables sorted by name.
func (d Device) Variables() []Variable {
	vars := make([]Variable, 0, len(d.Vars))
	for name, value := range d.Vars {
		vars = append(vars, Variable{Name: name, Value: value})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}

// Variable holds a single NUT variable name/value pair.
// Value is always a string; callers parse as needed.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SetVarResult acknowledges a successful SET VAR.
type SetVarResult struct {
	Device   string `json:"device"`
	Variable string `json:"variable"`
	Value    string `json:"value"`
}

// Message is the human-readable acknowledgement shown to API callers.
func (r SetVarResult) Message() string {
	return fmt.Sprintf("Variable %s on device %s saved successfully", r.Variable, r.Device)
}

// State is the lifecycle position of a Client's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// setOf sorts and de-duplicates names in place.
func setOf(names []string) []string {
	sort.Strings(names)
	out := names[:0]
	for _, n := range names {
		if len(out) > 0 && out[len(out)-1] == n {
			continue
		}
		out = append(out, n)
	}
	return out
}
