package errors

import sterrors "errors"

var (
	ErrConfigRequired     = sterrors.New("pipewright: configuration is required")
	ErrLoggerRequired     = sterrors.New("pipewright: logger is required")
	ErrTaskRequired       = sterrors.New("pipewright: task factory is required")
	ErrRoutingKeyRequired = sterrors.New("pipewright: routing key is required")
	ErrFilterRequired     = sterrors.New("pipewright: filter must implement at least one filter stage")
	ErrServiceStarted     = sterrors.New("pipewright: service is already started")
	ErrMiddlewareRequired = sterrors.New("pipewright: middleware registration requires Middleware or Builder")
)

// ConfigValidationError wraps the errors collected while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "pipewright: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err in a ConfigValidationError. Returns nil
// when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
