package resource

import (
	"sort"
	"strings"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

type node struct {
	children map[string]*node
	res      Resource
	prefix   bool // res同时负责所有子路径
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Tree 按路径段组织的资源树，启动后一般不再注册新资源
type Tree struct {
	mu   sync.RWMutex
	root *node
}

func NewTree() *Tree {
	return &Tree{root: newNode()}
}

func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Handle 注册只匹配path本身的资源
func (t *Tree) Handle(path string, r Resource) error {
	return t.register(path, r, false)
}

// HandlePrefix 注册负责path及其所有子路径的资源
func (t *Tree) HandlePrefix(path string, r Resource) error {
	return t.register(path, r, true)
}

func (t *Tree) register(path string, r Resource, prefix bool) error {
	if !implementsAny(r) {
		return errNoMethods
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, s := range splitPath(path) {
		child, ok := n.children[s]
		if !ok {
			child = newNode()
			n.children[s] = child
		}
		n = child
	}
	if n.res != nil {
		return errDuplicatePath
	}
	n.res = r
	n.prefix = prefix
	return nil
}

// Lookup 精确匹配优先，否则使用最近的前缀资源
func (t *Tree) Lookup(path string) (Resource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var owner Resource
	n := t.root
	for _, s := range splitPath(path) {
		if n.res != nil && n.prefix {
			owner = n.res
		}
		child, ok := n.children[s]
		if !ok {
			return owner, owner != nil
		}
		n = child
	}
	if n.res != nil {
		return n.res, true
	}
	return owner, owner != nil
}

// Dispatch 找到资源并调用对应的方法，错误由CodeOf转换为响应码。
// 方法不支持时返回4.05，其次才检查匿名会话的写权限
func (t *Tree) Dispatch(req *Request) (*Response, error) {
	r, ok := t.Lookup(req.Path)
	if !ok {
		return nil, &NotFoundError{Path: req.Path}
	}

	var handle func(*Request) (*Response, error)
	switch req.Method {
	case codes.GET:
		if h, ok := r.(Getter); ok {
			handle = h.Get
		}
	case codes.PUT:
		if h, ok := r.(Putter); ok {
			handle = h.Put
		}
	case codes.POST:
		if h, ok := r.(Poster); ok {
			handle = h.Post
		}
	case codes.DELETE:
		if h, ok := r.(Deleter); ok {
			handle = h.Delete
		}
	}
	if handle == nil {
		return nil, &MethodNotAllowedError{Path: req.Path, Method: req.Method}
	}
	if req.Anonymous && req.Method != codes.GET {
		return nil, ErrUnauthorized
	}
	return handle(req)
}

// Paths 已注册的路径，按字典序排列
func (t *Tree) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var paths []string
	var walk func(n *node, segments []string)
	walk = func(n *node, segments []string) {
		if n.res != nil {
			paths = append(paths, strings.Join(segments, "/"))
			if l, ok := n.res.(Lister); ok && n.prefix {
				paths = append(paths, l.Children()...)
			}
		}
		for s, child := range n.children {
			walk(child, append(segments[:len(segments):len(segments)], s))
		}
	}
	walk(t.root, nil)
	sort.Strings(paths)
	return dedupStrings(paths)
}

func dedupStrings(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
