package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// Microphone yields raw 16-bit little-endian PCM until the stream is closed.
type Microphone interface {
	Open(ctx context.Context, sampleRate, channels int) (io.ReadCloser, error)
}

// MicrophoneFunc adapts a function to Microphone.
type MicrophoneFunc func(ctx context.Context, sampleRate, channels int) (io.ReadCloser, error)

func (f MicrophoneFunc) Open(ctx context.Context, sampleRate, channels int) (io.ReadCloser, error) {
	return f(ctx, sampleRate, channels)
}

// ExecMicrophone captures audio from a command such as
// "arecord -q -f S16_LE -r {rate} -c {channels} -t raw".
type ExecMicrophone struct {
	args []string
}

func NewExecMicrophone(command string) (*ExecMicrophone, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse microphone command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("microphone command is empty")
	}
	return &ExecMicrophone{args: args}, nil
}

func (m *ExecMicrophone) Open(_ context.Context, sampleRate, channels int) (io.ReadCloser, error) {
	replacer := strings.NewReplacer("{rate}", strconv.Itoa(sampleRate), "{channels}", strconv.Itoa(channels))
	args := make([]string, len(m.args))
	for i, a := range m.args {
		args[i] = replacer.Replace(a)
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("microphone stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return &captureStream{cmd: cmd, stdout: stdout}, nil
}

type captureStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (s *captureStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *captureStream) Close() error {
	s.once.Do(func() {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	})
	return nil
}
