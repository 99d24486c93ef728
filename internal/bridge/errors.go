package bridge

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrTransport covers network failures and non-200 HTTP responses.
	ErrTransport = errors.New("bridge transport error")
	// ErrProtocol is returned when the bridge answers with a body we cannot interpret.
	ErrProtocol = errors.New("bridge protocol error")
)

// Error is an error entry reported by the bridge in its response envelope,
// or a non-200 HTTP status when Type is zero.
type Error struct {
	Status      int    `json:"-"` // HTTP status, 0 when the bridge answered 200 with an error entry
	Type        int    `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return "http status " + strconv.Itoa(e.Status)
}

// Is lets errors.Is(err, ErrTransport) match non-200 responses.
func (e *Error) Is(target error) bool {
	return target == ErrTransport && e.Status != 0
}

// Detail renders any bridge error as the short human-readable string that is
// logged and reported alongside a failed command.
func Detail(err error) string {
	if err == nil {
		return "ok"
	}
	var be *Error
	if errors.As(err, &be) {
		if be.Status != 0 {
			return strconv.Itoa(be.Status)
		}
		return be.Description
	}
	if errors.Is(err, ErrTransport) {
		return "could not send request to hue bridge"
	}
	return err.Error()
}

func transportErr(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
}
