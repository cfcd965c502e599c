package resource

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Entry 某个路径最后一次发布的数据
type Entry struct {
	Path             string
	Payload          []byte
	ContentFormat    message.MediaType
	HasContentFormat bool
	LastModified     time.Time
}

// DefaultMaxEntries Storage默认最多保存的路径数量
const DefaultMaxEntries = 4096

type storageEntry struct {
	mu      sync.Mutex // 同一路径的写入串行执行
	entry   Entry
	written bool
	removed bool // 已经从表中删除，写入方需要重新获取条目
}

// Storage 保存每个路径最后一次PUT/POST的payload，只在进程内存中
type Storage struct {
	root       string
	maxEntries int

	mu      sync.RWMutex
	entries map[string]*storageEntry

	now func() time.Time
}

type StorageOption func(*Storage)

// WithMaxEntries 限制保存的路径数量，n<=0表示不限制
func WithMaxEntries(n int) StorageOption {
	return func(s *Storage) {
		s.maxEntries = n
	}
}

func NewStorage(root string, opts ...StorageOption) *Storage {
	s := &Storage{
		root:       strings.Join(splitPath(root), "/"),
		maxEntries: DefaultMaxEntries,
		entries:    make(map[string]*storageEntry),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) Root() string {
	return s.root
}

// Len 当前保存的路径数量
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func normalize(path string) string {
	return strings.Join(splitPath(path), "/")
}

func (s *Storage) lookup(path string) (*storageEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path]
	return e, ok
}

func (s *Storage) getOrCreate(path string) (*storageEntry, error) {
	if e, ok := s.lookup(path); ok {
		return e, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	if !ok {
		if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
			return nil, ErrStorageFull
		}
		e = &storageEntry{}
		s.entries[path] = e
	}
	return e, nil
}

// Get 从未写入的路径返回空的2.05
func (s *Storage) Get(req *Request) (*Response, error) {
	resp := &Response{Code: codes.Content}
	e, ok := s.lookup(normalize(req.Path))
	if !ok {
		return resp, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.written {
		return resp, nil
	}
	resp.Payload = append([]byte(nil), e.entry.Payload...)
	resp.ContentFormat = e.entry.ContentFormat
	resp.HasContentFormat = e.entry.HasContentFormat
	return resp, nil
}

func (s *Storage) Put(req *Request) (*Response, error) {
	return s.store(req)
}

func (s *Storage) Post(req *Request) (*Response, error) {
	return s.store(req)
}

// store 第一次写入返回2.01，之后返回2.04
func (s *Storage) store(req *Request) (*Response, error) {
	path := normalize(req.Path)
	for {
		e, err := s.getOrCreate(path)
		if err != nil {
			return nil, err
		}
		if resp, ok := e.store(path, req, s.now()); ok {
			return resp, nil
		}
	}
}

// store 条目已被Delete移除时返回false
func (e *storageEntry) store(path string, req *Request, now time.Time) (*Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}
	code := codes.Changed
	if !e.written {
		code = codes.Created
	}
	e.written = true
	e.entry = Entry{
		Path:             path,
		Payload:          append([]byte(nil), req.Payload...),
		ContentFormat:    req.ContentFormat,
		HasContentFormat: req.HasContentFormat,
		LastModified:     now,
	}
	return &Response{Code: code}, true
}

// Delete 删除不存在的路径同样返回2.02
func (s *Storage) Delete(req *Request) (*Response, error) {
	path := normalize(req.Path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[path]; ok {
		e.mu.Lock()
		e.removed = true
		e.written = false
		e.entry = Entry{}
		e.mu.Unlock()
		delete(s.entries, path)
	}
	return &Response{Code: codes.Deleted}, nil
}

// Entry 返回某个路径最后一次写入的数据
func (s *Storage) Entry(path string) (Entry, bool) {
	e, ok := s.lookup(normalize(path))
	if !ok {
		return Entry{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.written {
		return Entry{}, false
	}
	entry := e.entry
	entry.Payload = append([]byte(nil), e.entry.Payload...)
	return entry, true
}

// Children 当前有数据的路径
func (s *Storage) Children() []string {
	s.mu.RLock()
	entries := make(map[string]*storageEntry, len(s.entries))
	for path, e := range s.entries {
		entries[path] = e
	}
	s.mu.RUnlock()

	paths := make([]string, 0, len(entries))
	for path, e := range entries {
		e.mu.Lock()
		if e.written {
			paths = append(paths, path)
		}
		e.mu.Unlock()
	}
	sort.Strings(paths)
	return paths
}
