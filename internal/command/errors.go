package command

import "errors"

var (
	// ErrUnknownCommand indicates the command name is not recognised.
	ErrUnknownCommand = errors.New("command: unknown command")

	// ErrInvalidCommand indicates a malformed command payload.
	ErrInvalidCommand = errors.New("command: invalid payload")
)
