package resource

import (
	"net"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Request 传给资源的请求，已经和传输层解耦
type Request struct {
	Method           codes.Code
	Path             string // 不带前导"/"
	ContentFormat    message.MediaType
	HasContentFormat bool
	Payload          []byte

	Peer      net.Addr
	Identity  string // PSK identity或者证书的Subject
	Anonymous bool   // WANT_AUTH降级的会话
}

type Response struct {
	Code             codes.Code
	ContentFormat    message.MediaType
	HasContentFormat bool
	Payload          []byte
}

// Resource 至少实现Getter、Putter、Poster、Deleter中的一个
type Resource interface{}

type Getter interface {
	Get(req *Request) (*Response, error)
}

type Putter interface {
	Put(req *Request) (*Response, error)
}

type Poster interface {
	Post(req *Request) (*Response, error)
}

type Deleter interface {
	Delete(req *Request) (*Response, error)
}

// Lister 可以列出子路径的资源，用于/.well-known/core
type Lister interface {
	Children() []string
}

func implementsAny(r Resource) bool {
	switch r.(type) {
	case Getter, Putter, Poster, Deleter:
		return true
	}
	return false
}
