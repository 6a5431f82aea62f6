package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Guest image errors
// 21000-21999: Sandbox session errors
// 22000-22999: Stream I/O errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	Internal      ErrorCode = 10001
	InvalidParams ErrorCode = 10002
	NotFound      ErrorCode = 10003
	AlreadyExists ErrorCode = 10004
	Unavailable   ErrorCode = 10005
	Timeout       ErrorCode = 10006
	Unimplemented ErrorCode = 10007

	// Task lifecycle errors (10100-10199)
	TaskNotRunning     ErrorCode = 10100
	TaskAlreadyStarted ErrorCode = 10101
	TaskDeleting       ErrorCode = 10102
	InvalidTransition  ErrorCode = 10103

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	RequiredFieldEmpty ErrorCode = 10301

	// ========== Guest Image Errors (20000-20999) ==========

	// Bundle resolution (20000-20099)
	BundleNotFound    ErrorCode = 20000
	InvalidBundle     ErrorCode = 20001
	InvalidImage      ErrorCode = 20100
	NoGuestLayer      ErrorCode = 20101
	MultipleLayers    ErrorCode = 20102
	UnsupportedFormat ErrorCode = 20200
	GuestTooLarge     ErrorCode = 20201

	// ========== Sandbox Session Errors (21000-21999) ==========

	// Boot (21000-21099)
	BootFailure ErrorCode = 21000
	EngineError ErrorCode = 21001

	// Invocation (21100-21199)
	Busy          ErrorCode = 21100
	SessionClosed ErrorCode = 21101
	ExecNotFound  ErrorCode = 21102

	// Termination (21200-21299)
	EngineCrash    ErrorCode = 21200
	TeardownFailed ErrorCode = 21201
	GraceExpired   ErrorCode = 21202

	// ========== Stream I/O Errors (22000-22999) ==========

	IoError        ErrorCode = 22000
	StreamNotFound ErrorCode = 22001
	StreamClosed   ErrorCode = 22002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:       "Success",
	Internal:      "Internal error",
	InvalidParams: "Invalid parameters",
	NotFound:      "Resource not found",
	AlreadyExists: "Resource already exists",
	Unavailable:   "Temporarily unavailable",
	Timeout:       "Operation timed out",
	Unimplemented: "Operation not implemented",

	// Task lifecycle
	TaskNotRunning:     "Task is not running",
	TaskAlreadyStarted: "Task has already been started",
	TaskDeleting:       "Task is being deleted",
	InvalidTransition:  "Invalid task state transition",

	// Validation
	ValidationFailed:   "Validation failed",
	RequiredFieldEmpty: "Required field is empty",

	// Guest image
	BundleNotFound:    "Bundle path does not exist",
	InvalidBundle:     "Bundle layout is invalid",
	InvalidImage:      "Image has no recognized guest payload",
	NoGuestLayer:      "No guest binary layer in image",
	MultipleLayers:    "More than one guest binary layer in image",
	UnsupportedFormat: "Guest binary format is not supported",
	GuestTooLarge:     "Guest binary exceeds the size limit",

	// Sandbox session
	BootFailure:    "Sandbox failed to boot",
	EngineError:    "Sandbox engine error",
	Busy:           "Sandbox has an active invocation",
	SessionClosed:  "Sandbox session is closed",
	ExecNotFound:   "Exec not found",
	EngineCrash:    "Sandbox terminated abnormally",
	TeardownFailed: "Sandbox teardown failed",
	GraceExpired:   "Grace period expired before guest exit",

	// Stream I/O
	IoError:        "Stream I/O error",
	StreamNotFound: "Stream endpoint not found",
	StreamClosed:   "Stream is closed",
}

// Message returns the default message for an error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}
