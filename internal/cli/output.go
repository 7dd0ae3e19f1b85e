package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/model"
	"github.com/roach88/resultsync/internal/query"
	"github.com/roach88/resultsync/internal/results"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (object not found, invalid values, scenarios failed)
	ExitCommandError = 2 // Command error (bad config, store cannot be opened, bad arguments)
)

// Error codes reported in CLIError.Code.
const (
	CodeConfig    = "E_CONFIG"
	CodeStore     = "E_STORE"
	CodeNotFound  = "E_NOT_FOUND"
	CodeInvalid   = "E_INVALID"
	CodeFetch     = "E_FETCH"
	CodeScenarios = "E_SCENARIOS_FAILED"
	CodeFailed    = "E_FAILED"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // one of the Code* constants
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// classify maps an error to its response code and exit code.
func classify(err error) (string, int) {
	var (
		exitErr  *ExitError
		modelErr *model.ValidationError
		queryErr *query.ValidationError
	)
	switch {
	case coordinator.IsStoreOpenError(err):
		return CodeStore, ExitCommandError
	case errors.Is(err, coordinator.ErrObjectNotFound):
		return CodeNotFound, ExitFailure
	case errors.As(err, &modelErr), errors.As(err, &queryErr),
		errors.Is(err, coordinator.ErrUnknownEntity), errors.Is(err, ErrBadArgument):
		return CodeInvalid, ExitFailure
	case results.IsFetchError(err):
		return CodeFetch, ExitFailure
	case errors.As(err, &exitErr):
		if exitErr.Code == ExitCommandError {
			return CodeConfig, exitErr.Code
		}
		return CodeFailed, exitErr.Code
	default:
		return CodeFailed, ExitFailure
	}
}

// Fail reports err in JSON mode and returns it as an *ExitError carrying
// the matching exit code. Text mode leaves printing to the caller of
// Execute.
func (f *OutputFormatter) Fail(message string, err error) error {
	code, exit := classify(err)
	if f.Format == "json" {
		if encErr := f.Error(code, fmt.Sprintf("%s: %v", message, err), nil); encErr != nil {
			return encErr
		}
	}
	return WrapExitError(exit, message, err)
}
