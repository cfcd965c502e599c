package server

import "errors"

var (
	errNoTransport = errors.New("server requires a transport")
	errNoTree      = errors.New("server requires a resource tree")
)
