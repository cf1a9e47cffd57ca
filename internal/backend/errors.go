package backend

import "errors"

var (
	// ErrHostUnsupported means the host cannot run this backend at all.
	ErrHostUnsupported = errors.New("host does not support this backend")
	// ErrClientInit means the backend client could not connect.
	ErrClientInit = errors.New("backend client initialisation failed")
	// ErrClient covers failed backend requests and unexpected backend state.
	ErrClient = errors.New("backend request failed")
	// ErrNotConfigured means an operation ran against an uninitialised instance.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrImageBuild means building the base image did not produce an image.
	ErrImageBuild = errors.New("base image build failed")
	// ErrResultNotFound means a requested path does not exist in the instance.
	ErrResultNotFound = errors.New("path not found in instance")
	// ErrNotRegistered means no factory is registered under the requested name.
	ErrNotRegistered = errors.New("provider not registered")
)
