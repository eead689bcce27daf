package settings

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentialFile is returned when a public key file is missing or unreadable.
	ErrMissingCredentialFile = errors.New("credential file is missing or unreadable")
	// ErrEmptyCredentialFile is returned when the first line of a public key file is blank.
	ErrEmptyCredentialFile = errors.New("credential file is empty")
	// ErrMissingProxyMarkerFile is returned when the proxy marker file is missing or unreadable.
	ErrMissingProxyMarkerFile = errors.New("proxy marker file is missing or unreadable")
	// ErrInvalidCredential is returned when key validation is enabled and a key does not parse.
	ErrInvalidCredential = errors.New("credential is not a valid authorized_keys entry")
)

// ErrorKind names the class of a load failure.
type ErrorKind string

const (
	KindMissingCredentialFile  ErrorKind = "MissingCredentialFile"
	KindEmptyCredentialFile    ErrorKind = "EmptyCredentialFile"
	KindMissingProxyMarkerFile ErrorKind = "MissingProxyMarkerFile"
	KindInvalidCredential      ErrorKind = "InvalidCredential"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindMissingCredentialFile:
		return ErrMissingCredentialFile
	case KindEmptyCredentialFile:
		return ErrEmptyCredentialFile
	case KindMissingProxyMarkerFile:
		return ErrMissingProxyMarkerFile
	case KindInvalidCredential:
		return ErrInvalidCredential
	default:
		return nil
	}
}

// LoadError reports which file stopped a load and why.
// errors.Is matches both the kind's sentinel and the underlying cause.
type LoadError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the ErrorKind carried by err, or "" when err is not a load failure.
func KindOf(err error) ErrorKind {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Kind
	}
	return ""
}
