package core

import (
	"errors"
	"fmt"
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	// Raw log errors
	ErrRawLogNotFound   = BusinessError{"RAWLOG_001", "raw log entry not found"}
	ErrAlreadyProcessed = BusinessError{"RAWLOG_002", "raw log entry already processed"}
	ErrInvalidLabel     = BusinessError{"RAWLOG_003", "invalid raw log label"}

	// Node errors
	ErrNodeNotFound  = BusinessError{"NODE_001", "node not found"}
	ErrNodeCodeTaken = BusinessError{"NODE_002", "a node with this code already exists"}

	// Project and model errors
	ErrProjectNotFound   = BusinessError{"PROJECT_001", "project not found"}
	ErrNodeModelNotFound = BusinessError{"MODEL_001", "node model not found"}

	// Mapping spec errors
	ErrSpecNotFound = BusinessError{"PROFILE_001", "node profile not found"}
	ErrSpecInvalid  = BusinessError{"PROFILE_002", "node profile is invalid"}

	// Pairing errors
	ErrUnpairedNotFound = BusinessError{"UNPAIRED_001", "unpaired device not found"}
	ErrAlreadyPaired    = BusinessError{"UNPAIRED_002", "device is already paired"}
	ErrDeviceIgnored    = BusinessError{"UNPAIRED_003", "device is ignored"}
	ErrNotIgnored       = BusinessError{"UNPAIRED_004", "device is not ignored"}
)

// Identity resolution failures. They become Unresolved outcomes, not errors.
var (
	ErrNoToken        = errors.New("no device token in message")
	ErrMalformedToken = errors.New("malformed device token")
)

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a state conflict a caller may surface as 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyPaired) ||
		errors.Is(err, ErrDeviceIgnored) ||
		errors.Is(err, ErrNotIgnored) ||
		errors.Is(err, ErrNodeCodeTaken) ||
		errors.Is(err, ErrAlreadyProcessed)
}

// IsNotFound reports whether err is one of the domain not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRawLogNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrNodeModelNotFound) ||
		errors.Is(err, ErrSpecNotFound) ||
		errors.Is(err, ErrUnpairedNotFound)
}

// MappingError reports a payload that could not be mapped with its profile.
// The entry is still marked processed.
type MappingError struct {
	Spec   string
	Reason string
	Err    error
}

func (e *MappingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("profile %s: %s: %v", e.Spec, e.Reason, e.Err)
	}
	return fmt.Sprintf("profile %s: %s", e.Spec, e.Reason)
}

func (e *MappingError) Unwrap() error { return e.Err }
