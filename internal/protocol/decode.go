package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope reads only the discriminator. "type" is the key used by the
// first-generation nodes and is honored when "kind" is absent.
type envelope struct {
	Kind Kind `json:"kind"`
	Type Kind `json:"type"`
}

type rawCommand struct {
	Command *string `json:"command"`
	ID      string  `json:"id"`
}

type rawResponse struct {
	Status   *Status `json:"status"`
	Output   string  `json:"output"`
	Error    string  `json:"error"`
	ExitCode *int    `json:"exit_code"`
	ID       string  `json:"id"`
}

// Decode parses one frame. Invalid JSON yields ErrMalformedFrame; a known kind
// with missing or invalid fields yields ErrInvalidMessage. Unknown kinds decode
// to a Message with no payload and a nil error.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	kind := env.Kind
	if kind == "" {
		kind = env.Type
	}

	switch kind {
	case KindCommand:
		var raw rawCommand
		if err := json.Unmarshal(frame, &raw); err != nil {
			return Message{}, fmt.Errorf("%w: command: %v", ErrInvalidMessage, err)
		}
		if raw.Command == nil {
			return Message{}, fmt.Errorf("%w: command: missing command", ErrInvalidMessage)
		}
		return Message{
			Kind:    KindCommand,
			Command: &Command{Kind: KindCommand, Command: *raw.Command, ID: raw.ID},
		}, nil
	case KindResponse:
		var raw rawResponse
		if err := json.Unmarshal(frame, &raw); err != nil {
			return Message{}, fmt.Errorf("%w: response: %v", ErrInvalidMessage, err)
		}
		if raw.Status == nil {
			return Message{}, fmt.Errorf("%w: response: missing status", ErrInvalidMessage)
		}
		switch *raw.Status {
		case StatusSuccess, StatusError:
		default:
			return Message{}, fmt.Errorf("%w: response: status %q", ErrInvalidMessage, *raw.Status)
		}
		resp := &Response{
			Kind:   KindResponse,
			Status: *raw.Status,
			Output: raw.Output,
			Error:  raw.Error,
			ID:     raw.ID,
		}
		switch {
		case raw.ExitCode != nil:
			resp.ExitCode = *raw.ExitCode
		case resp.Status == StatusError:
			resp.ExitCode = ExitCodeLaunchFailure
		}
		if resp.Status == StatusSuccess && resp.ExitCode != 0 {
			return Message{}, fmt.Errorf("%w: response: status success with exit code %d", ErrInvalidMessage, resp.ExitCode)
		}
		return Message{Kind: KindResponse, Response: resp}, nil
	default:
		return Message{Kind: kind}, nil
	}
}
