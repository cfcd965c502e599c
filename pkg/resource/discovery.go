package resource

import (
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// WellKnownCore RFC 6690资源发现的路径
const WellKnownCore = ".well-known/core"

// Discovery 以link-format列出资源树中的路径
type Discovery struct {
	tree *Tree
}

func NewDiscovery(tree *Tree) *Discovery {
	return &Discovery{tree: tree}
}

func (d *Discovery) Get(req *Request) (*Response, error) {
	var links []string
	for _, path := range d.tree.Paths() {
		if path == WellKnownCore || path == "" {
			continue
		}
		links = append(links, "</"+path+">")
	}
	return &Response{
		Code:             codes.Content,
		ContentFormat:    message.AppLinkFormat,
		HasContentFormat: true,
		Payload:          []byte(strings.Join(links, ",")),
	}, nil
}
