package inputs

import "fmt"

// ConfigError indicates a malformed or ambiguous jobset input declaration.
// It is always fatal for the run.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// ResolutionError indicates that a declared input could not be resolved to a
// usable alternative, for example a missing upstream build or an
// unfetchable store path. It is fatal for required inputs.
type ResolutionError struct {
	Input string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving input %q: %v", e.Input, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
