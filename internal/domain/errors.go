package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
)

// Bridge sentinels.
var (
	ErrAlreadyRunning        = fmt.Errorf("bridge already running")
	ErrNotRunning            = fmt.Errorf("bridge not running")
	ErrStartupTimeout        = fmt.Errorf("bridge did not become healthy before startup timeout")
	ErrRecipientNotFound     = fmt.Errorf("recipient not found")
	ErrRemoteTimeout         = fmt.Errorf("remote dispatch timed out")
	ErrRepairImpossible      = fmt.Errorf("repair impossible: no global installation to restore from")
	ErrDuplicateRegistration = fmt.Errorf("connection id already registered")
	ErrFileNotFound          = fmt.Errorf("bridge file not found in local or global installation")

	ErrTransport      = fmt.Errorf("transport failure")
	ErrConfigLoad     = fmt.Errorf("failed to load configuration")
	ErrLogWrite       = fmt.Errorf("bridge log write failed")
	ErrRemoteDispatch = fmt.Errorf("remote dispatch failed")
	ErrNoLocalHandler = fmt.Errorf("no local handler for operation")
	ErrUsageStore     = fmt.Errorf("usage store operation failed")
	ErrFrameInvalid   = fmt.Errorf("frame payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Supervisor.Start")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "registry", "hub"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrRemoteTimeout) || errors.Is(err, ErrTransport)
}

// ErrorCode is a machine-parseable error category carried on wire error frames
// and JSON log lines.
type ErrorCode string

const (
	CodeUnknown ErrorCode = "UNKNOWN"

	CodeAlreadyRunning        ErrorCode = "ALREADY_RUNNING"
	CodeNotRunning            ErrorCode = "NOT_RUNNING"
	CodeStartupTimeout        ErrorCode = "STARTUP_TIMEOUT"
	CodeRecipientNotFound     ErrorCode = "RECIPIENT_NOT_FOUND"
	CodeRemoteTimeout         ErrorCode = "REMOTE_TIMEOUT"
	CodeRepairImpossible      ErrorCode = "REPAIR_IMPOSSIBLE"
	CodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"
	CodeFileNotFound          ErrorCode = "FILE_NOT_FOUND"
	CodeTransport             ErrorCode = "TRANSPORT"
	CodeConfigLoad            ErrorCode = "CONFIG_LOAD"
	CodeLogWrite              ErrorCode = "LOG_WRITE"
	CodeRemoteDispatch        ErrorCode = "REMOTE_DISPATCH"
	CodeNoLocalHandler        ErrorCode = "NO_LOCAL_HANDLER"
	CodeUsageStore            ErrorCode = "USAGE_STORE"
	CodeFrameInvalid          ErrorCode = "FRAME_INVALID"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeConnectionNotFound ErrorCode = "CONNECTION_NOT_FOUND"
	CodeOperationUnknown   ErrorCode = "OPERATION_UNKNOWN"

	// Category fallback codes.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeRateLimit    ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid  ErrorCode = "AUTH_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,
	ErrRateLimit:    CodeRateLimit,
	ErrAuthInvalid:  CodeAuthInvalid,

	ErrAlreadyRunning:        CodeAlreadyRunning,
	ErrNotRunning:            CodeNotRunning,
	ErrStartupTimeout:        CodeStartupTimeout,
	ErrRecipientNotFound:     CodeRecipientNotFound,
	ErrRemoteTimeout:         CodeRemoteTimeout,
	ErrRepairImpossible:      CodeRepairImpossible,
	ErrDuplicateRegistration: CodeDuplicateRegistration,
	ErrFileNotFound:          CodeFileNotFound,
	ErrTransport:             CodeTransport,
	ErrConfigLoad:            CodeConfigLoad,
	ErrLogWrite:              CodeLogWrite,
	ErrRemoteDispatch:        CodeRemoteDispatch,
	ErrNoLocalHandler:        CodeNoLocalHandler,
	ErrUsageStore:            CodeUsageStore,
	ErrFrameInvalid:          CodeFrameInvalid,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"registry":     CodeConnectionNotFound,
		"hub":          CodeRecipientNotFound,
		"paths":        CodeFileNotFound,
		"orchestrator": CodeOperationUnknown,
	},
	ErrDuplicate: {
		"registry": CodeDuplicateRegistration,
	},
	ErrTimeout: {
		"orchestrator": CodeRemoteTimeout,
		"supervisor":   CodeStartupTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// For DomainErrors with a SubSystem, the subSystemCodeMap is consulted first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels win over categories when both appear in the chain.
	for _, sentinel := range bridgeSentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

var bridgeSentinels = []error{
	ErrAlreadyRunning,
	ErrNotRunning,
	ErrStartupTimeout,
	ErrRecipientNotFound,
	ErrRemoteTimeout,
	ErrRepairImpossible,
	ErrDuplicateRegistration,
	ErrFileNotFound,
}

// ErrorFromCode returns the bridge sentinel for a wire code, or nil when the
// code does not name one. Used by clients to turn error frames back into
// errors.Is-comparable values.
func ErrorFromCode(code ErrorCode) error {
	for sentinel, c := range errorCodeMap {
		if c == code {
			return sentinel
		}
	}
	for sentinel, bySub := range subSystemCodeMap {
		for _, c := range bySub {
			if c == code {
				return sentinel
			}
		}
	}
	return nil
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
