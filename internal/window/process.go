package window

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/idvlink/internal/logging"
)

// URLPlaceholder is replaced by the window URL in a ProcessLauncher argv.
const URLPlaceholder = "{url}"

var ErrNoCommand = errors.New("window: launcher command is empty")

// ProcessLauncher runs the verification flow as a child process. The child
// talks JSON lines: it reads Messages on stdin and may write
// {"type":"closed"} on stdout before exiting.
type ProcessLauncher struct {
	Argv []string
	log  zerolog.Logger
}

func NewProcessLauncher(argv []string) (*ProcessLauncher, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, ErrNoCommand
	}
	return &ProcessLauncher{
		Argv: append([]string(nil), argv...),
		log:  logging.For("window.process"),
	}, nil
}

func (l *ProcessLauncher) Open(ctx context.Context, rawURL string) (Window, error) {
	args := make([]string, len(l.Argv))
	substituted := false
	for i, a := range l.Argv {
		if strings.Contains(a, URLPlaceholder) {
			substituted = true
		}
		args[i] = strings.ReplaceAll(a, URLPlaceholder, rawURL)
	}
	if !substituted {
		args = append(args, rawURL)
	}

	// The child outlives the launch call; ctx only bounds the start.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("window: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("window: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("window: start %s: %w", args[0], err)
	}

	p := &processWindow{
		id:     uuid.NewString(),
		cmd:    cmd,
		stdin:  stdin,
		msgs:   make(chan Message, 8),
		exited: make(chan struct{}),
	}
	p.log = l.log.With().Str("window_id", p.id).Int("pid", cmd.Process.Pid).Logger()
	go p.read(stdout)
	go p.wait()
	p.log.Info().Msg("window process started")
	return p, nil
}

type processWindow struct {
	id    string
	cmd   *exec.Cmd
	log   zerolog.Logger
	msgs  chan Message
	mu    sync.Mutex
	stdin io.WriteCloser

	exited  chan struct{}
	waitErr error
}

func (p *processWindow) ID() string { return p.id }

func (p *processWindow) read(stdout io.Reader) {
	defer close(p.msgs)
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		var msg Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil || msg.Type == "" {
			continue
		}
		select {
		case p.msgs <- msg:
		default:
			p.log.Debug().Str("type", msg.Type).Msg("window message dropped")
		}
	}
}

// wait reaps the child. Wait closes stdout once the child exits, so output
// still held open by grandchildren does not delay the exit report.
func (p *processWindow) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
	p.log.Info().AnErr("wait", p.waitErr).Msg("window process exited")
}

func (p *processWindow) Closed() (bool, error) {
	select {
	case <-p.exited:
		return true, nil
	default:
		return false, nil
	}
}

func (p *processWindow) PostMessage(msg Message) error {
	if closed, _ := p.Closed(); closed {
		return ErrWindowGone
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrWindowGone, err)
	}
	return nil
}

// Focus has no foreground notion for a child process; it checks the process
// still accepts signals.
func (p *processWindow) Focus() error {
	if closed, _ := p.Closed(); closed {
		return ErrWindowGone
	}
	if err := p.cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return fmt.Errorf("%w: %v", ErrWindowGone, err)
	}
	return nil
}

func (p *processWindow) Messages() <-chan Message { return p.msgs }

func (p *processWindow) Close() error {
	p.mu.Lock()
	_ = p.stdin.Close()
	p.mu.Unlock()
	if closed, _ := p.Closed(); closed {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		if closed, _ := p.Closed(); !closed {
			return err
		}
	}
	return nil
}
