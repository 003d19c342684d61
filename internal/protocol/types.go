package protocol

// Kind is the message discriminator carried in every frame.
type Kind string

const (
	KindCommand  Kind = "command"
	KindResponse Kind = "response"
)

// Status is the coarse outcome of one executed command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ExitCodeLaunchFailure marks a command that never produced a process exit status.
const ExitCodeLaunchFailure = -1

// Command is the Mirage -> Ghost execution request.
type Command struct {
	Kind    Kind   `json:"kind"`
	Command string `json:"command"`
	ID      string `json:"id,omitempty"`
}

// Response is the Ghost -> Mirage execution result.
type Response struct {
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
	ID       string `json:"id,omitempty"`
}

// Succeeded reports whether the response describes a zero exit status.
func (r Response) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Message is one decoded frame. Exactly one of Command/Response is set for
// known kinds; both are nil for kinds this node does not understand.
type Message struct {
	Kind     Kind
	Command  *Command
	Response *Response
}

// Known reports whether the frame carried a kind this node handles.
func (m Message) Known() bool {
	return m.Command != nil || m.Response != nil
}

// NewResponse builds a response whose status follows the exit code.
func NewResponse(id string, output string, errText string, exitCode int) Response {
	status := StatusError
	if exitCode == 0 {
		status = StatusSuccess
	}
	return Response{
		Kind:     KindResponse,
		Status:   status,
		Output:   output,
		Error:    errText,
		ExitCode: exitCode,
		ID:       id,
	}
}

// LaunchFailure builds the response for a command that could not be started.
func LaunchFailure(id string, err error) Response {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Response{
		Kind:     KindResponse,
		Status:   StatusError,
		Error:    msg,
		ExitCode: ExitCodeLaunchFailure,
		ID:       id,
	}
}
