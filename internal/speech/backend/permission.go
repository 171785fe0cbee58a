package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-assist/internal/speech"
	"github.com/mattn/go-shellwords"
)

// CommandPermission asks an external prompt for microphone access. Exit
// status zero grants access, any other exit status denies it.
func CommandPermission(command string) (speech.Permission, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse permission command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("permission command is empty")
	}
	return speech.PermissionFunc(func(ctx context.Context) (bool, error) {
		err := exec.CommandContext(ctx, args[0], args[1:]...).Run()
		if err == nil {
			return true, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("permission command: %w", err)
	}), nil
}
