package trackertest

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/errors"
	"github.com/mogilefs/mogclient/pkg/types"
)

// Memory is a Fake preloaded with handlers that keep a key namespace in
// memory. New files are placed on device 1 of the given storage node.
type Memory struct {
	*Fake

	mu      sync.Mutex
	storage *Storage
	nextFID types.FID
	keys    map[string]map[string]string // domain -> key -> path
	open    map[string]tracker.Args      // fid -> create_open args
}

// NewMemory returns an in-memory tracker placing files on storage.
func NewMemory(storage *Storage) *Memory {
	m := &Memory{
		Fake:    NewFake(),
		storage: storage,
		nextFID: 1,
		keys:    make(map[string]map[string]string),
		open:    make(map[string]tracker.Args),
	}
	m.Handle(tracker.CmdGetPaths, m.getPaths)
	m.Handle(tracker.CmdCreateOpen, m.createOpen)
	m.Handle(tracker.CmdCreateClose, m.createClose)
	m.Handle(tracker.CmdDelete, m.delete)
	m.Handle(tracker.CmdRename, m.rename)
	m.Handle(tracker.CmdListKeys, m.listKeys)
	m.Reply(tracker.CmdSleep, tracker.Result{})
	return m
}

// Put registers key in domain as already stored at path.
func (m *Memory) Put(domain, key, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domain(domain)[key] = path
}

// Path returns the committed path of key.
func (m *Memory) Path(domain, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.keys[domain][key]
	return p, ok
}

func (m *Memory) domain(name string) map[string]string {
	d, ok := m.keys[name]
	if !ok {
		d = make(map[string]string)
		m.keys[name] = d
	}
	return d
}

func (m *Memory) getPaths(args tracker.Args) (tracker.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.keys[args["domain"]][args["key"]]
	if !ok {
		return nil, errors.FromBackend("unknown_key", "unknown_key")
	}
	return tracker.Result{"paths": "1", "path1": p}, nil
}

func (m *Memory) createOpen(args tracker.Args) (tracker.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fid := m.nextFID
	m.nextFID++
	path := m.storage.URLFor(types.FIDPath(1, fid))
	id := strconv.FormatUint(uint64(fid), 10)
	m.open[id] = args
	return tracker.Result{"fid": id, "devid": "1", "path": path}, nil
}

func (m *Memory) createClose(args tracker.Args) (tracker.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[args["fid"]]; !ok {
		return nil, errors.FromBackend("no_temp_file", "no_temp_file")
	}
	delete(m.open, args["fid"])
	m.domain(args["domain"])[args["key"]] = args["path"]
	return tracker.Result{}, nil
}

func (m *Memory) delete(args tracker.Args) (tracker.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.keys[args["domain"]]
	if _, ok := d[args["key"]]; !ok {
		return nil, errors.FromBackend("unknown_key", "unknown_key")
	}
	delete(d, args["key"])
	return tracker.Result{}, nil
}

func (m *Memory) rename(args tracker.Args) (tracker.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.keys[args["domain"]]
	p, ok := d[args["from_key"]]
	if !ok {
		return nil, errors.FromBackend("unknown_key", "unknown_key")
	}
	if _, exists := d[args["to_key"]]; exists {
		return nil, errors.FromBackend("key_exists", "key_exists")
	}
	delete(d, args["from_key"])
	d[args["to_key"]] = p
	return tracker.Result{}, nil
}

func (m *Memory) listKeys(args tracker.Args) (tracker.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, err := strconv.Atoi(args["limit"])
	if err != nil || limit <= 0 {
		limit = 1000
	}

	var keys []string
	for k := range m.keys[args["domain"]] {
		if strings.HasPrefix(k, args["prefix"]) && k > args["after"] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return nil, errors.FromBackend("none_match", "none_match")
	}

	res := tracker.Result{
		"key_count":  strconv.Itoa(len(keys)),
		"next_after": keys[len(keys)-1],
	}
	for i, k := range keys {
		res["key_"+strconv.Itoa(i+1)] = k
	}
	return res, nil
}
