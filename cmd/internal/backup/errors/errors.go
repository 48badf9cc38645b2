// Package errors contains the error kinds that are shared between the components of a backup run.
package errors

import (
	"fmt"
)

// ConfigurationError indicates missing or invalid settings, it is raised before any i/o happens
type ConfigurationError struct {
	Msg string
	Err error
}

func (e ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Msg, e.Err)
	}
	return "invalid configuration: " + e.Msg
}

func (e ConfigurationError) Unwrap() error { return e.Err }

// DumpError indicates that the external dump tool failed
type DumpError struct {
	Database string
	Err      error
}

func (e DumpError) Error() string {
	return fmt.Sprintf("dump of database %q failed: %s", e.Database, e.Err)
}

func (e DumpError) Unwrap() error { return e.Err }

// IncompleteCompressionError indicates that a compressed artifact could not be written completely
type IncompleteCompressionError struct {
	Path string
	Err  error
}

func (e IncompleteCompressionError) Error() string {
	return fmt.Sprintf("compression of %s incomplete: %s", e.Path, e.Err)
}

func (e IncompleteCompressionError) Unwrap() error { return e.Err }

// EncryptionError carries the status reported by the encryption backend
type EncryptionError struct {
	Status string
	Err    error
}

func (e EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encryption failed; status: %s: %s", e.Status, e.Err)
	}
	return "encryption failed; status: " + e.Status
}

func (e EncryptionError) Unwrap() error { return e.Err }

// StorageError is any transport, auth or configuration failure of a storage backend
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("%s storage: %s failed: %s", e.Backend, e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

// NotFoundError indicates that an object is absent in the storage
type NotFoundError struct {
	Name string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("object %q not found", e.Name)
}

// MalformedTimestampError indicates that the timestamp of an artifact name could not be parsed
type MalformedTimestampError struct {
	Name  string
	Value string
	Err   error
}

func (e MalformedTimestampError) Error() string {
	return fmt.Sprintf("malformed timestamp %q in %q: %s", e.Value, e.Name, e.Err)
}

func (e MalformedTimestampError) Unwrap() error { return e.Err }

// MissingFieldError indicates that a filename template placeholder has no value
type MissingFieldError struct {
	Field string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("no value for filename placeholder {%s}", e.Field)
}

// UnexpectedError wraps a recovered panic
type UnexpectedError struct {
	Value any
	Stack []byte
}

func (e UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Value)
}

// StageError annotates an error with the target and the stage of a backup run it occurred in
type StageError struct {
	Target string
	Stage  string
	Err    error
}

func (e StageError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Target, e.Stage, e.Err)
}

func (e StageError) Unwrap() error { return e.Err }
