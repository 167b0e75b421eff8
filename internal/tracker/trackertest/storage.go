package trackertest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// Storage is an HTTP storage node backed by a map. It accepts PUT and
// answers GET and HEAD.
type Storage struct {
	*httptest.Server

	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
	puts  []Put

	putStatus int
}

// Put records one PUT request.
type Put struct {
	Path          string
	ContentLength int64
	Body          []byte
}

// NewStorage starts a storage node. Callers must Close it.
func NewStorage() *Storage {
	s := &Storage{
		files: make(map[string][]byte),
		hits:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Storage) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	s.mu.Lock()
	s.hits[path]++
	status := s.putStatus
	s.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.puts = append(s.puts, Put{Path: path, ContentLength: r.ContentLength, Body: body})
		if status == 0 {
			s.files[path] = body
		}
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodGet, http.MethodHead:
		s.mu.Lock()
		data, ok := s.files[path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// FailPuts makes every following PUT answer status without storing.
func (s *Storage) FailPuts(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putStatus = status
}

// Store places data at path.
func (s *Storage) Store(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
}

// File returns the bytes stored at path.
func (s *Storage) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return data, ok
}

// Hits returns the number of requests received for path.
func (s *Storage) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Puts returns every PUT received.
func (s *Storage) Puts() []Put {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Put(nil), s.puts...)
}

// URLFor returns the absolute URL of path on this node.
func (s *Storage) URLFor(path string) string {
	return s.Server.URL + path
}
