// Package control implements the line-oriented control socket of spec §6:
// a stream listener accepting one session per connection, each session
// mapping newline-terminated commands onto pkg/manager operations.
package control

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/abelits/isoman/pkg/log"
	"github.com/abelits/isoman/pkg/manager"
	"github.com/abelits/isoman/pkg/metrics"
	"github.com/abelits/isoman/pkg/types"
	"github.com/google/uuid"
)

// Server accepts control-socket connections and dispatches their commands
// to a Manager.
type Server struct {
	mgr *manager.Manager
	ln  net.Listener

	wg   sync.WaitGroup
	done chan struct{}
}

// NewServer wraps an already-bound listener (the bind+rename dance of
// spec §6's filesystem convention is bootstrap's job, not this package's).
func NewServer(ln net.Listener, mgr *manager.Manager) *Server {
	return &Server{mgr: mgr, ln: ln, done: make(chan struct{})}
}

// Serve accepts connections until the listener closes or Stop is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Stop closes the listener and returns without waiting. Serve then waits
// for in-flight sessions to end before it returns; open sessions are not
// closed by Stop.
func (s *Server) Stop() {
	close(s.done)
	_ = s.ln.Close()
}

type session struct {
	id       string
	conn     net.Conn
	mgr      *manager.Manager
	boundCPU int
	bound    bool
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	sess := &session{
		id:   uuid.New().String(),
		conn: conn,
		mgr:  s.mgr,
	}
	l := log.WithSession(sess.id)

	if err := writeBanner(conn); err != nil {
		l.Warn().Err(err).Msg("failed to write banner")
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		verb, rest := splitVerb(line)
		outcome := sess.dispatch(verb, rest, conn)
		metrics.ControlCommandsTotal.WithLabelValues(verb, outcome).Inc()
		if outcome == "quit" || outcome == "terminated" {
			return
		}
	}
}

func writeBanner(conn net.Conn) error {
	_, err := fmt.Fprint(conn, "220-Task Manager.\r\n220 Session started.\r\n")
	return err
}

func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

// dispatch runs one command and writes its response lines. The returned
// outcome is used only for the commands-total metric label and to tell
// handle() when the session must end.
func (s *session) dispatch(verb, rest string, w writer) string {
	switch verb {
	case "quit":
		reply(w, 221, true, "Goodbye.")
		return "quit"
	case "terminate":
		reply(w, 200, false, "Terminating.")
		if err := s.mgr.Terminate(); err != nil {
			reply(w, 500, true, err.Error())
			return "error"
		}
		reply(w, 221, true, "Goodbye.")
		return "terminated"
	case "newtask":
		return s.newtask(rest, w)
	case "taskisolfail":
		if !s.bound {
			reply(w, 500, true, "no slot bound to this session")
			return "error"
		}
		if err := s.mgr.TaskIsolFail(s.boundCPU); err != nil {
			reply(w, 500, true, err.Error())
			return "error"
		}
		reply(w, 220, true, "OK.")
		return "ok"
	case "taskisolfinish":
		if !s.bound {
			reply(w, 500, true, "no slot bound to this session")
			return "error"
		}
		if err := s.mgr.TaskIsolFinish(s.boundCPU); err != nil {
			reply(w, 500, true, err.Error())
			return "error"
		}
		reply(w, 221, true, "Goodbye.")
		return "terminated"
	default:
		reply(w, 500, true, "unknown command")
		return "error"
	}
}

// newtask parses "<cpu>,<pid>/<tid>" and claims the named CPU's slot.
func (s *session) newtask(arg string, w writer) string {
	cpu, tid, err := parseNewtask(arg)
	if err != nil {
		reply(w, 500, true, err.Error())
		return "error"
	}
	status, err := s.mgr.ClaimSlot(cpu, tid)
	if err != nil {
		reply(w, 500, true, err.Error())
		return "error"
	}
	s.bound = true
	s.boundCPU = cpu

	fmt.Fprintf(w, "200-MODE=THREAD\r\n")
	fmt.Fprintf(w, "200-INDEX=%d\r\n", status.Index)
	fmt.Fprintf(w, "200 CPU=%d\r\n", status.CPU)
	return "ok"
}

func parseNewtask(arg string) (cpu int, tid types.TID, err error) {
	commaIdx := strings.IndexByte(arg, ',')
	if commaIdx < 0 {
		return 0, types.TID{}, fmt.Errorf("control: malformed newtask argument %q", arg)
	}
	cpu, err = strconv.Atoi(arg[:commaIdx])
	if err != nil {
		return 0, types.TID{}, fmt.Errorf("control: bad cpu in newtask: %w", err)
	}
	slashIdx := strings.IndexByte(arg[commaIdx+1:], '/')
	if slashIdx < 0 {
		return 0, types.TID{}, fmt.Errorf("control: malformed pid/tid in newtask argument %q", arg)
	}
	rest := arg[commaIdx+1:]
	pid, err := strconv.Atoi(rest[:slashIdx])
	if err != nil {
		return 0, types.TID{}, fmt.Errorf("control: bad pid in newtask: %w", err)
	}
	t, err := strconv.Atoi(rest[slashIdx+1:])
	if err != nil {
		return 0, types.TID{}, fmt.Errorf("control: bad tid in newtask: %w", err)
	}
	return cpu, types.TID{PID: pid, TID: t}, nil
}

type writer interface {
	Write(p []byte) (int, error)
}

// reply writes one response line in the DDDc<text> form of spec §6. Set
// final=false for every line but the last of a multi-line response.
func reply(w writer, code int, final bool, text string) {
	sep := "-"
	if final {
		sep = " "
	}
	fmt.Fprintf(w, "%03d%s%s\r\n", code, sep, text)
}
