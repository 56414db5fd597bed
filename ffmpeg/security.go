package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitArgs splits an operator-supplied argument string into a slice of arguments
// without involving a shell.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs rejects arguments carrying shell metacharacters. exec never
// interprets them, but they have no business in encoder options either.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if arg == "-i" {
			return fmt.Errorf("extra arguments must not declare inputs")
		}
	}
	return nil
}

// ParseExtraArgs is SplitArgs followed by ValidateArgs.
func ParseExtraArgs(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil
	}
	args, err := SplitArgs(command)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
