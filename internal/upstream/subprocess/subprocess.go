// Package subprocess implements the C2 transport: one supervised child
// process per stdio provider, communicating over line-delimited JSON-RPC on
// its stdio, demultiplexed by request id.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// ProcessError reports a transport-level failure: a write failure, the
// child exiting, or stdout reaching EOF. All outstanding slots are failed
// with the same error when this occurs (spec.md §4.2).
type ProcessError struct {
	Provider string
	Err      error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("subprocess[%s]: %v", e.Provider, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Process owns the lifecycle of one child process and exposes a
// request/response round trip keyed by JSON-RPC id.
type Process struct {
	providerName string
	command      string
	args         []string
	env          []string

	log *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool
	pending map[string]chan json.RawMessage
}

// New creates a Process for the given provider. env is the fully resolved
// environment (KEY=VALUE pairs); resolution of $VAR references happens one
// layer up, in the aggregator's warmup step.
func New(providerName, command string, args []string, env []string, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	return &Process{
		providerName: providerName,
		command:      command,
		args:         args,
		env:          env,
		log:          log,
		pending:      make(map[string]chan json.RawMessage),
	}
}

// ensureStarted spawns the child process on first use.
func (p *Process) ensureStarted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	cmd := exec.Command(p.command, p.args...)
	cmd.Env = p.env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("subprocess[%s]: stdin pipe: %w", p.providerName, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("subprocess[%s]: stdout pipe: %w", p.providerName, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("subprocess[%s]: stderr pipe: %w", p.providerName, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("subprocess[%s]: start: %w", p.providerName, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.started = true

	go p.readLoop(stdout)
	go p.drainStderr(stderr)

	return nil
}

func (p *Process) readLoop(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &env); err != nil {
			p.log.Warn("subprocess: unparsable line", "provider", p.providerName, "error", err)
			continue
		}
		if len(env.ID) == 0 {
			// Notification or server-initiated request from the child;
			// the aggregator never forwards upstream server-initiated
			// traffic downstream, so it is logged and discarded here.
			p.log.Debug("subprocess: dropping id-less message", "provider", p.providerName)
			continue
		}

		key := string(env.ID)
		dup := make(json.RawMessage, len(line))
		copy(dup, line)

		p.mu.Lock()
		ch, ok := p.pending[key]
		if ok {
			delete(p.pending, key)
		}
		p.mu.Unlock()

		if ok {
			ch <- dup
		}
	}
	p.fail(fmt.Errorf("stdout closed: %w", scanner.Err()))
}

func (p *Process) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.log.Debug("subprocess stderr", "provider", p.providerName, "line", scanner.Text())
	}
}

// fail fulfills every outstanding slot with a ProcessError and marks the
// process closed so the next call re-spawns it.
func (p *Process) fail(cause error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan json.RawMessage)
	p.started = false
	p.mu.Unlock()

	errMsg, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    -32603,
			"message": (&ProcessError{Provider: p.providerName, Err: cause}).Error(),
		},
	})
	for _, ch := range pending {
		ch <- errMsg
	}
}

// Send writes payload (a full JSON-RPC request object) to the child's
// stdin and awaits the matching response on stdout. If payload has no "id"
// member, one is generated so a response can be correlated, per spec.md
// §4.2's "used only when the caller did not choose one" rule: the
// aggregator always pre-assigns one in practice, so this is a safety net.
func (p *Process) Send(ctx context.Context, payload []byte) (json.RawMessage, error) {
	if err := p.ensureStarted(); err != nil {
		return nil, &ProcessError{Provider: p.providerName, Err: err}
	}

	payload, key, err := ensureID(payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	p.mu.Lock()
	p.pending[key] = ch
	stdin := p.stdin
	p.mu.Unlock()

	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
		return nil, &ProcessError{Provider: p.providerName, Err: err}
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendNotification writes payload to stdin without awaiting a response.
func (p *Process) SendNotification(ctx context.Context, payload []byte) error {
	if err := p.ensureStarted(); err != nil {
		return &ProcessError{Provider: p.providerName, Err: err}
	}
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		return &ProcessError{Provider: p.providerName, Err: err}
	}
	return nil
}

// Stop drops the child and clears any pending slots, per spec.md §4.2
// "stop_process drops the child and clears caches".
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	p.started = false
	p.closed = true
	pending := p.pending
	p.pending = make(map[string]chan json.RawMessage)
	p.mu.Unlock()

	errMsg, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    -32603,
			"message": (&ProcessError{Provider: p.providerName, Err: errors.New("process stopped")}).Error(),
		},
	})
	for _, ch := range pending {
		ch <- errMsg
	}

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func ensureID(payload []byte) ([]byte, string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, "", fmt.Errorf("subprocess: invalid request payload: %w", err)
	}
	if id, ok := raw["id"]; ok && len(id) > 0 {
		return payload, string(id), nil
	}
	id := fmt.Sprintf("%q", uuid.NewString())
	raw["id"] = json.RawMessage(id)
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, "", err
	}
	return out, id, nil
}
