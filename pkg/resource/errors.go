package resource

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var (
	// ErrUnauthorized 匿名会话只能读
	ErrUnauthorized = errors.New("anonymous peers are not allowed to modify resources")
	// ErrStorageFull 路径数量达到上限，已有路径仍然可以写入
	ErrStorageFull = errors.New("storage is full")

	errNoMethods     = errors.New("resource implements no method")
	errDuplicatePath = errors.New("path already registered")
)

type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource %q not found", e.Path)
}

type MethodNotAllowedError struct {
	Path   string
	Method codes.Code
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method %s not allowed on %q", e.Method, e.Path)
}

// CodeOf 把资源错误映射为响应码
func CodeOf(err error) codes.Code {
	var notFound *NotFoundError
	var notAllowed *MethodNotAllowedError
	switch {
	case err == nil:
		return codes.Content
	case errors.As(err, &notFound):
		return codes.NotFound
	case errors.As(err, &notAllowed):
		return codes.MethodNotAllowed
	case errors.Is(err, ErrUnauthorized):
		return codes.Unauthorized
	case errors.Is(err, ErrStorageFull):
		return codes.ServiceUnavailable
	}
	return codes.InternalServerError
}
