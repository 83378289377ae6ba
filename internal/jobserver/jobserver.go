// Package jobserver implements gup's three concurrency modes: serial,
// inherited (GNU Make compatible), and owned (a private named pipe).
// Tokens are single bytes on a pipe; reads use a deadline-based retry loop
// rather than blocking forever on a pipe whose peers may have died.
package jobserver

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Server hands out and reclaims build tokens. Every goroutine that wants to
// run a builder subprocess (or let one fork further `gup -u` children) must
// hold a token for the duration of that subprocess.
type Server interface {
	// Acquire blocks until a token is available.
	Acquire() error
	// Release returns a token to the pool.
	Release()
	// Env returns the GUP_JOBSERVER value children should inherit.
	Env() string
	// Close releases any OS resources (named pipes) this server owns.
	Close() error
}

// readTimeout bounds each blocking read attempt on a token pipe, so the
// server can keep retrying instead of hanging forever on a broken pipe.
const readTimeout = time.Second

// serial runs everything as if -j1 were given with no real pipe backing
// it: a single mutex enforces that only one acquirer proceeds at a time.
type serial struct {
	mu sync.Mutex
}

func NewSerial() Server { return &serial{} }

func (s *serial) Acquire() error { s.mu.Lock(); return nil }
func (s *serial) Release()       { s.mu.Unlock() }
func (s *serial) Env() string    { return "0" }
func (s *serial) Close() error   { return nil }

// pipeServer is the shared implementation behind both the owned
// (named-pipe) and inherited (Make-compatible fd pair) modes: tokens are
// single bytes read from / written to a pipe, with one token cached
// locally - never hoarding more than the process's own reserved token.
type pipeServer struct {
	r, w *os.File

	mu   sync.Mutex
	held int

	// total is the full token count this server was created with (0 for an
	// inherited Make fd pair, which this process does not own and must not
	// drain-assert on shutdown).
	total   int
	cleanup func() error
	env     string
}

func newPipeServer(r, w *os.File, env string, total int, cleanup func() error) *pipeServer {
	return &pipeServer{r: r, w: w, held: 1, env: env, total: total, cleanup: cleanup}
}

func (p *pipeServer) Acquire() error {
	p.mu.Lock()
	if p.held > 0 {
		p.held--
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	buf := make([]byte, 1)
	for {
		if err := p.r.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			// Deadlines aren't supported on this fd (e.g. a plain pipe on
			// some platforms): fall back to a single blocking read.
			n, err := p.r.Read(buf)
			if n == 1 {
				return nil
			}
			return err
		}
		n, err := p.r.Read(buf)
		if n == 1 {
			return nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return fmt.Errorf("jobserver: reading token: %w", err)
		}
	}
}

func (p *pipeServer) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held++
	if p.held > 1 {
		surplus := p.held - 1
		p.w.Write([]byte(strings.Repeat("t", surplus)))
		p.held = 1
	}
}

func (p *pipeServer) Env() string { return p.env }

// Close shuts the server down. For a pipe this process created (cleanup !=
// nil), it first drains the jobs-1 tokens it originally pre-filled the pipe
// with, asserting no job leaked a token it never released; any shortfall is
// reported as an error but the pipe is unlinked regardless.
func (p *pipeServer) Close() error {
	var leakErr error
	if p.cleanup != nil && p.total > 1 {
		want := p.total - 1
		if got := p.drainNonBlocking(want); got != want {
			leakErr = fmt.Errorf("jobserver: leaked %d of %d token(s) on shutdown", want-got, want)
		}
	}
	p.r.Close()
	p.w.Close()
	if p.cleanup != nil {
		if err := p.cleanup(); err != nil {
			return err
		}
	}
	return leakErr
}

// drainNonBlocking reads up to want tokens without blocking past readTimeout
// per byte, returning how many it actually recovered.
func (p *pipeServer) drainNonBlocking(want int) int {
	buf := make([]byte, 1)
	got := 0
	for got < want {
		p.r.SetReadDeadline(time.Now().Add(readTimeout))
		n, _ := p.r.Read(buf)
		if n != 1 {
			break
		}
		got++
	}
	return got
}

// NewOwned creates a private named pipe, pre-fills it with jobs-1 tokens
// (this process keeps one reserved for itself), and exports its path via
// Env so children of the build scripts it spawns can join the same pool.
func NewOwned(jobs int) (Server, error) {
	if jobs < 1 {
		jobs = 1
	}
	path := fmt.Sprintf("%s/gup-job-%s", os.TempDir(), uuid.NewString())
	os.Remove(path)
	if err := syscall.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("jobserver: mkfifo: %w", err)
	}

	// Open both ends non-blocking so the creating process doesn't deadlock
	// waiting for a reader/writer that is itself.
	r, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		r.Close()
		os.Remove(path)
		return nil, err
	}

	srv := newPipeServer(r, w, path, jobs, func() error { return os.Remove(path) })
	if jobs > 1 {
		w.Write([]byte(strings.Repeat("t", jobs-1)))
	}
	return srv, nil
}

// OpenNamedPipe joins an existing owned-mode pipe created by an ancestor
// `gup` process, used when a recursive invocation inherits $GUP_JOBSERVER.
func OpenNamedPipe(path string) (Server, error) {
	r, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		r.Close()
		return nil, err
	}
	// total=0: this process joined an existing pipe rather than creating it,
	// so it must not drain-assert tokens that belong to the owning ancestor.
	return newPipeServer(r, w, path, 0, nil), nil
}

// NewInherited wraps a GNU Make jobserver fd pair inherited via
// --jobserver-fds=R,W / --jobserver-auth=R,W, matching make's fd-based
// protocol so `gup` recipes that run under `make -j` share the same pool.
func NewInherited(readFD, writeFD int) (Server, error) {
	r := os.NewFile(uintptr(readFD), "jobserver-r")
	w := os.NewFile(uintptr(writeFD), "jobserver-w")
	if r == nil || w == nil {
		return nil, errors.New("jobserver: invalid inherited file descriptors")
	}
	// total=0: Make owns this fd pair, not us; never drain-assert on Close.
	return newPipeServer(r, w, fmt.Sprintf("fds:%d,%d", readFD, writeFD), 0, nil), nil
}

// Discover picks this invocation's jobserver: an inherited $GUP_JOBSERVER
// wins first (serial or an existing named pipe), then a Make-compatible fd
// pair parsed out of $MAKEFLAGS, and only then does explicitJobs decide
// between serial and a freshly owned pipe.
// warn (may be nil) receives the user-visible degradation notice when
// $MAKEFLAGS advertises a jobserver whose fds this process can't actually
// use - Make closes them for recipes not marked as sub-makes.
func Discover(gupJobserverEnv, makeflags string, explicitJobs *int, warn func(format string, a ...any)) (Server, error) {
	if gupJobserverEnv != "" {
		if gupJobserverEnv == "0" {
			return NewSerial(), nil
		}
		// An inherited Make fd pair is forwarded as NewInherited's "fds:R,W".
		if fds, ok := strings.CutPrefix(gupJobserverEnv, "fds:"); ok {
			if r, w, ok := parseMakeflags("--jobserver-fds=" + fds); ok {
				return NewInherited(r, w)
			}
		}
		return OpenNamedPipe(gupJobserverEnv)
	}

	if r, w, ok := parseMakeflags(makeflags); ok {
		if usableFD(r) && usableFD(w) {
			if srv, err := NewInherited(r, w); err == nil {
				return srv, nil
			}
		}
		if warn != nil {
			warn("MAKEFLAGS jobserver is not available - builds will not share make's job pool (prefix your make rule with '+' to pass it through)")
		}
	}

	jobs := 1
	if explicitJobs != nil {
		jobs = *explicitJobs
	}
	if jobs <= 1 {
		return NewSerial(), nil
	}
	return NewOwned(jobs)
}

// usableFD reports whether fd is open in this process. Make closes its
// jobserver fds for recipes not marked as sub-makes, so an advertised pair
// may be stale.
func usableFD(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func parseMakeflags(makeflags string) (r, w int, ok bool) {
	for _, field := range strings.Fields(makeflags) {
		var raw string
		switch {
		case strings.HasPrefix(field, "--jobserver-fds="):
			raw = strings.TrimPrefix(field, "--jobserver-fds=")
		case strings.HasPrefix(field, "--jobserver-auth="):
			raw = strings.TrimPrefix(field, "--jobserver-auth=")
		default:
			continue
		}
		parts := strings.SplitN(raw, ",", 2)
		if len(parts) != 2 {
			continue
		}
		rv, err1 := strconv.Atoi(parts[0])
		wv, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		return rv, wv, true
	}
	return 0, 0, false
}
