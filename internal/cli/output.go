package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	logerr "github.com/arkilian/eventlog/internal/errors"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The log answered but the result is a failure (not found, corruption)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, data dir unusable)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope for command output.
type Response struct {
	Status string         `json:"status"`
	Data   interface{}    `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed command in JSON output.
type ResponseError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// printer writes results in the selected format.
type printer struct {
	format string
	w      io.Writer
}

// result writes data. In text mode text is called instead.
func (p *printer) result(data interface{}, text func(w io.Writer)) error {
	if p.format == FormatJSON {
		return json.NewEncoder(p.w).Encode(Response{Status: "ok", Data: data})
	}
	text(p.w)
	return nil
}

// line writes one JSON object per line, without the envelope. Streams
// use it so that output can be piped record by record.
func (p *printer) line(data interface{}, text func(w io.Writer)) error {
	if p.format == FormatJSON {
		return json.NewEncoder(p.w).Encode(data)
	}
	text(p.w)
	return nil
}

// failure reports err in the selected format and returns the ExitError
// the command should return.
func (p *printer) failure(code int, message string, err error) error {
	if p.format == FormatJSON {
		rerr := &ResponseError{Code: logerr.GetCode(err), Message: message}
		if rerr.Code == "" {
			rerr.Code = "UNKNOWN"
		}
		if err != nil {
			rerr.Details = err.Error()
		}
		_ = json.NewEncoder(p.w).Encode(Response{Status: "error", Error: rerr})
	}
	return WrapExitError(code, message, err)
}
