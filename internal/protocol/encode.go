package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeCommand serializes one command frame. Empty command text is rejected;
// callers filter blank operator input before reaching the wire.
func EncodeCommand(cmd Command) ([]byte, error) {
	if strings.TrimSpace(cmd.Command) == "" {
		return nil, ErrEmptyCommand
	}
	cmd.Kind = KindCommand
	out, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command: %w", err)
	}
	return out, nil
}

// EncodeResponse serializes one response frame.
func EncodeResponse(resp Response) ([]byte, error) {
	resp.Kind = KindResponse
	switch resp.Status {
	case StatusSuccess, StatusError:
	default:
		return nil, fmt.Errorf("%w: status %q", ErrInvalidMessage, resp.Status)
	}
	if resp.Status == StatusSuccess && resp.ExitCode != 0 {
		return nil, fmt.Errorf("%w: status success with exit code %d", ErrInvalidMessage, resp.ExitCode)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode response: %w", err)
	}
	return out, nil
}
