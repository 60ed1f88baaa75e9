// Package nuttest provides an in-process upsd for tests, in the spirit of
// net/http/httptest. It implements enough of the NUT network protocol to
// exercise a client end to end over real TCP.
package nuttest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
)

// UPS is one device served by a Server.
type UPS struct {
	Name         string
	Description  string
	Vars         map[string]string
	RW           []string
	Commands     []string
	Clients      []string
	Descriptions map[string]string
}

// Server is a fake upsd listening on 127.0.0.1.
type Server struct {
	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	ups      map[string]*UPS
	order    []string
	users    map[string]string
	replies  map[string][]string
	hangs    map[string][]string
	received []string
	accepted int
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer starts a server for devices. It is closed automatically when
// the test ends.
func NewServer(t testing.TB, devices ...UPS) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("nuttest: listen: %v", err)
	}
	s := &Server{
		ln:      ln,
		ups:     map[string]*UPS{},
		users:   map[string]string{},
		replies: map[string][]string{},
		hangs:   map[string][]string{},
		conns:   map[net.Conn]struct{}{},
	}
	for i := range devices {
		d := devices[i]
		vars := make(map[string]string, len(d.Vars))
		for k, v := range d.Vars {
			vars[k] = v
		}
		d.Vars = vars
		s.ups[d.Name] = &d
		s.order = append(s.order, d.Name)
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// AddUser allows user/password to log in.
func (s *Server) AddUser(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = password
}

// Reply makes the server answer the exact command line with lines.
func (s *Server) Reply(command string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[command] = lines
}

// Hang makes the server write lines in answer to command and then go
// silent, leaving the client waiting.
func (s *Server) Hang(command string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangs[command] = lines
}

// Host returns the listening IP.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Received returns every command line received, across connections.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Var returns the server-side value of a variable.
func (s *Server) Var(ups, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.ups[ups]; ok {
		return u.Vars[name]
	}
	return ""
}

// SetVars replaces every variable of ups, as a driver update would.
func (s *Server) SetVars(ups string, vars map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.ups[ups]
	if !ok {
		return
	}
	u.Vars = make(map[string]string, len(vars))
	for k, v := range vars {
		u.Vars[k] = v
	}
}

// Close stops the listener and drops every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.accepted++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

type session struct {
	user   string
	authed bool
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	sess := &session{}
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		out, hang, quit := s.handle(sess, line)
		if len(out) > 0 {
			if _, err := io.WriteString(conn, strings.Join(out, "\n")+"\n"); err != nil {
				return
			}
		}
		if hang {
			_, _ = io.Copy(io.Discard, conn)
			return
		}
		if quit {
			return
		}
	}
}

func (s *Server) handle(sess *session, line string) (out []string, hang, quit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, line)

	if lines, ok := s.hangs[line]; ok {
		return lines, true, false
	}
	if lines, ok := s.replies[line]; ok {
		return lines, false, false
	}

	args, ok := split(line)
	if !ok || len(args) == 0 {
		return []string{"ERR INVALID-ARGUMENT"}, false, false
	}
	switch args[0] {
	case "LIST":
		return s.list(args[1:]), false, false
	case "GET":
		return []string{s.get(args[1:])}, false, false
	case "SET":
		return []string{s.set(sess, args[1:])}, false, false
	case "USERNAME":
		if len(args) != 2 {
			return []string{"ERR INVALID-ARGUMENT"}, false, false
		}
		if sess.user != "" {
			return []string{"ERR ALREADY-SET-USERNAME"}, false, false
		}
		sess.user = args[1]
		return []string{"OK"}, false, false
	case "PASSWORD":
		if len(args) != 2 {
			return []string{"ERR INVALID-ARGUMENT"}, false, false
		}
		if sess.user == "" {
			return []string{"ERR USERNAME-REQUIRED"}, false, false
		}
		if pw, ok := s.users[sess.user]; !ok || pw != args[1] {
			return []string{"ERR ACCESS-DENIED"}, false, false
		}
		sess.authed = true
		return []string{"OK"}, false, false
	case "LOGOUT":
		return []string{"OK Goodbye"}, false, true
	case "VER":
		return []string{"Network UPS Tools upsd nuttest"}, false, false
	case "NETVER":
		return []string{"1.3"}, false, false
	default:
		return []string{"ERR UNKNOWN-COMMAND"}, false, false
	}
}

func (s *Server) list(args []string) []string {
	if len(args) == 0 {
		return []string{"ERR INVALID-ARGUMENT"}
	}
	if args[0] == "UPS" {
		out := []string{"BEGIN LIST UPS"}
		for _, name := range s.order {
			desc := s.ups[name].Description
			if desc == "" {
				desc = "Description unavailable"
			}
			out = append(out, fmt.Sprintf("UPS %s %s", name, quote(desc)))
		}
		return append(out, "END LIST UPS")
	}
	if len(args) != 2 {
		return []string{"ERR INVALID-ARGUMENT"}
	}
	kind, name := args[0], args[1]
	u, ok := s.ups[name]
	if !ok {
		return []string{"ERR UNKNOWN-UPS"}
	}

	header := kind + " " + name
	out := []string{"BEGIN LIST " + header}
	switch kind {
	case "VAR":
		for _, v := range sortedKeys(u.Vars) {
			out = append(out, fmt.Sprintf("%s %s %s", header, v, quote(u.Vars[v])))
		}
	case "RW":
		for _, v := range u.RW {
			out = append(out, fmt.Sprintf("%s %s %s", header, v, quote(u.Vars[v])))
		}
	case "CMD":
		for _, c := range u.Commands {
			out = append(out, header+" "+c)
		}
	case "CLIENT":
		for _, c := range u.Clients {
			out = append(out, header+" "+c)
		}
	default:
		return []string{"ERR INVALID-ARGUMENT"}
	}
	return append(out, "END LIST "+header)
}

func (s *Server) get(args []string) string {
	if len(args) != 3 {
		return "ERR INVALID-ARGUMENT"
	}
	u, ok := s.ups[args[1]]
	if !ok {
		return "ERR UNKNOWN-UPS"
	}
	value, ok := u.Vars[args[2]]
	if !ok {
		return "ERR VAR-NOT-SUPPORTED"
	}
	switch args[0] {
	case "VAR":
		return fmt.Sprintf("VAR %s %s %s", u.Name, args[2], quote(value))
	case "DESC":
		desc, ok := u.Descriptions[args[2]]
		if !ok {
			desc = "Description unavailable"
		}
		return fmt.Sprintf("DESC %s %s %s", u.Name, args[2], quote(desc))
	default:
		return "ERR INVALID-ARGUMENT"
	}
}

func (s *Server) set(sess *session, args []string) string {
	if len(args) != 4 || args[0] != "VAR" {
		return "ERR INVALID-ARGUMENT"
	}
	if !sess.authed {
		if sess.user == "" {
			return "ERR USERNAME-REQUIRED"
		}
		return "ERR ACCESS-DENIED"
	}
	u, ok := s.ups[args[1]]
	if !ok {
		return "ERR UNKNOWN-UPS"
	}
	if _, ok := u.Vars[args[2]]; !ok {
		return "ERR VAR-NOT-SUPPORTED"
	}
	writable := false
	for _, rw := range u.RW {
		if rw == args[2] {
			writable = true
		}
	}
	if !writable {
		return "ERR READONLY"
	}
	u.Vars[args[2]] = args[3]
	return "OK"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// split is upsd's argument parser: whitespace separated, double quotes
// group, backslash escapes.
func split(line string) ([]string, bool) {
	var (
		args    []string
		cur     strings.Builder
		started bool
		quoted  bool
	)
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
			started = true
		case ch == '"':
			quoted = !quoted
			started = true
		case (ch == ' ' || ch == '\t') && !quoted:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteByte(ch)
			started = true
		}
	}
	if quoted {
		return nil, false
	}
	if started {
		args = append(args, cur.String())
	}
	return args, true
}
