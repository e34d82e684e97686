package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrExecutableNotFound  = errors.New("executable not found in archive")
)

// ProvisionError is a failure to obtain an engine binary. Op is one of
// platform, version, download, extract or install.
type ProvisionError struct {
	Engine Engine
	Op     string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.Engine, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

type ConfigError struct {
	Engine Engine
	Node   string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s config for %q: %v", e.Engine, e.Node, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ProcessError covers spawn failures and an engine exiting on its own.
type ProcessError struct {
	Engine Engine
	Op     string
	Err    error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s process %s: %v", e.Engine, e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsCoreError reports whether err came from the engine machinery rather
// than from the probe itself.
func IsCoreError(err error) bool {
	var (
		pe *ProvisionError
		ce *ConfigError
		xe *ProcessError
	)
	return errors.As(err, &pe) || errors.As(err, &ce) || errors.As(err, &xe)
}
