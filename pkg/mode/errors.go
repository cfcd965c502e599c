package mode

import (
	"errors"
	"fmt"
)

// ErrConfiguration 启动阶段的配置错误，UnsupportedModeError等都可以用errors.Is匹配
var ErrConfiguration = errors.New("configuration error")

type UnknownModeError struct {
	Token string
}

func (e *UnknownModeError) Error() string {
	return fmt.Sprintf("unknown mode %q", e.Token)
}

func (e *UnknownModeError) Unwrap() error {
	return ErrConfiguration
}

type UnsupportedModeError struct {
	Mode AuthMode
}

func (e *UnsupportedModeError) Error() string {
	return fmt.Sprintf("mode %s is not supported", e.Mode)
}

func (e *UnsupportedModeError) Unwrap() error {
	return ErrConfiguration
}

type ConflictingModeError struct {
	Modes []AuthMode
}

func (e *ConflictingModeError) Error() string {
	return fmt.Sprintf("%s cannot be combined with other modes: %s", NoDTLS, NewSet(e.Modes...))
}

func (e *ConflictingModeError) Unwrap() error {
	return ErrConfiguration
}
