package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assist/internal/speech"
)

// processEngine supervises one long-running recognizer process. The process
// prints ND-JSON events on stdout and finishes its utterance when it reads
// "stop" on stdin.
type processEngine struct {
	startTimeout time.Duration
	stopTimeout  time.Duration
	log          *slog.Logger
	slot         *handlerSlot

	mu       sync.Mutex
	current  *process
	starting bool
}

type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{}
	stopping bool
	finished bool
}

func (p *processEngine) start(ctx context.Context, args []string) error {
	p.mu.Lock()
	if p.current != nil || p.starting {
		p.mu.Unlock()
		return errors.New("recognizer already running")
	}
	p.starting = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.starting = false
		p.mu.Unlock()
	}()
	if len(args) == 0 {
		return errors.New("recognizer command empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recognizer stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recognizer: %w", err)
	}

	proc := &process{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	ready := make(chan wireEvent, 1)
	go p.run(proc, stdout, ready)

	abort := func() {
		_ = cmd.Process.Kill()
		<-proc.exited
	}
	timer := time.NewTimer(p.startTimeout)
	defer timer.Stop()
	select {
	case evt, ok := <-ready:
		if !ok {
			<-proc.exited
			return fmt.Errorf("recognizer exited before ready: %s", strings.TrimSpace(stderr.String()))
		}
		if strings.EqualFold(evt.Event, "error") {
			abort()
			return fmt.Errorf("recognizer failed to start: %s", describeEngineError(evt.Code, evt.Message))
		}
	case <-timer.C:
		abort()
		return errors.New("recognizer did not become ready")
	case <-ctx.Done():
		abort()
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if proc.finished {
		return errors.New("recognizer exited right after start")
	}
	p.current = proc
	return nil
}

func (p *processEngine) run(proc *process, stdout io.Reader, ready chan<- wireEvent) {
	defer close(proc.exited)

	scanner := bufio.NewScanner(stdout)
	readySent := false
	sawEnd := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt wireEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			p.log.Debug("ignoring malformed recognizer line", slogError(err))
			continue
		}
		if !readySent {
			readySent = true
			ready <- evt
			close(ready)
			continue
		}
		native, ok := evt.native()
		if !ok {
			continue
		}
		if native.Kind == speech.NativeEnd {
			sawEnd = true
		}
		p.slot.emit(native)
	}
	if !readySent {
		close(ready)
	}
	waitErr := proc.cmd.Wait()

	p.mu.Lock()
	proc.finished = true
	active := p.current == proc
	stopping := proc.stopping
	if active {
		p.current = nil
	}
	p.mu.Unlock()

	if !active || sawEnd {
		return
	}
	if waitErr != nil && !stopping {
		p.slot.emit(speech.NativeEvent{Kind: speech.NativeError, Detail: fmt.Sprintf("recognizer exited: %v", waitErr)})
		return
	}
	p.slot.emit(speech.NativeEvent{Kind: speech.NativeEnd})
}

// stop asks the recognizer to finish its utterance and waits for it to exit.
func (p *processEngine) stop(ctx context.Context) error {
	p.mu.Lock()
	proc := p.current
	if proc != nil {
		proc.stopping = true
	}
	p.mu.Unlock()
	if proc == nil {
		return nil
	}

	_, _ = io.WriteString(proc.stdin, "stop\n")
	_ = proc.stdin.Close()

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-proc.exited:
		return nil
	case <-timer.C:
		_ = proc.cmd.Process.Kill()
		<-proc.exited
		return errors.New("recognizer did not stop in time")
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
		<-proc.exited
		return ctx.Err()
	}
}

func (p *processEngine) kill() {
	p.mu.Lock()
	proc := p.current
	if proc != nil {
		proc.stopping = true
	}
	p.mu.Unlock()
	if proc == nil {
		return
	}
	_ = proc.cmd.Process.Kill()
	<-proc.exited
}

func (p *processEngine) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
