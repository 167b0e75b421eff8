package session

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/internal/tracker/trackertest"
	"github.com/mogilefs/mogclient/pkg/errors"
	"github.com/mogilefs/mogclient/pkg/types"
)

type byteCounter struct{ n atomic.Int64 }

func (b *byteCounter) RecordBytesWritten(n int64) { b.n.Add(n) }

type env struct {
	storage *trackertest.Storage
	tracker *trackertest.Memory
	session *Session
	written *byteCounter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	storage := trackertest.NewStorage()
	t.Cleanup(storage.Close)
	mem := trackertest.NewMemory(storage)
	bc := &byteCounter{}
	s := New(Options{
		Domain:  "test",
		Client:  mem,
		Logger:  zerolog.Nop(),
		Metrics: bc,
	})
	return &env{storage: storage, tracker: mem, session: s, written: bc}
}

func TestNewFile_SingleDestination(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f, err := e.session.NewFile(ctx, "photo.jpg", "images", 11)
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID())
	assert.Equal(t, types.FID(1), f.FID())
	assert.Equal(t, types.DevID(1), f.DevID())
	assert.Equal(t, e.storage.URLFor("/dev1/0/000/000/0000000001.fid"), f.Path())
	assert.Empty(t, f.Alternates())

	_, err = f.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = f.Write([]byte("world"))
	require.NoError(t, err)

	n, err := f.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, int64(11), e.written.n.Load())

	puts := e.storage.Puts()
	require.Len(t, puts, 1)
	assert.Equal(t, int64(11), puts[0].ContentLength)
	assert.Equal(t, "hello world", string(puts[0].Body))

	open := e.tracker.CallsTo(tracker.CmdCreateOpen)
	require.Len(t, open, 1)
	assert.Equal(t, tracker.Args{"domain": "test", "class": "images", "key": "photo.jpg", "multi_dest": "1"}, open[0].Args)

	closeCalls := e.tracker.CallsTo(tracker.CmdCreateClose)
	require.Len(t, closeCalls, 1)
	assert.Equal(t, tracker.Args{
		"fid":    "1",
		"devid":  "1",
		"domain": "test",
		"key":    "photo.jpg",
		"path":   f.Path(),
		"size":   "11",
	}, closeCalls[0].Args)

	path, ok := e.tracker.Path("test", "photo.jpg")
	require.True(t, ok)
	assert.Equal(t, f.Path(), path)
}

func TestNewFile_MultiDestination(t *testing.T) {
	storage := trackertest.NewStorage()
	defer storage.Close()

	fake := trackertest.NewFake().
		Reply(tracker.CmdCreateOpen, tracker.Result{
			"fid":       "77",
			"dev_count": "3",
			"devid_1":   "4",
			"path_1":    storage.URLFor("/dev4/0/000/000/0000000077.fid"),
			"devid_2":   "9",
			"path_2":    storage.URLFor("/dev9/0/000/000/0000000077.fid"),
			"devid_3":   "2",
			"path_3":    storage.URLFor("/dev2/0/000/000/0000000077.fid"),
		}).
		Reply(tracker.CmdCreateClose, tracker.Result{})
	s := New(Options{Domain: "test", Client: fake, Logger: zerolog.Nop()})

	f, err := s.NewFile(context.Background(), "k", "", 0)
	require.NoError(t, err)
	assert.Equal(t, types.FID(77), f.FID())
	assert.Equal(t, types.DevID(4), f.DevID())
	assert.Equal(t, []types.Destination{
		{DevID: 9, Path: storage.URLFor("/dev9/0/000/000/0000000077.fid")},
		{DevID: 2, Path: storage.URLFor("/dev2/0/000/000/0000000077.fid")},
	}, f.Alternates())

	_, err = f.Write([]byte("data"))
	require.NoError(t, err)
	_, err = f.Close()
	require.NoError(t, err)

	puts := storage.Puts()
	require.Len(t, puts, 1, "only the primary destination is written")
	assert.Equal(t, "/dev4/0/000/000/0000000077.fid", puts[0].Path)

	closeCalls := fake.CallsTo(tracker.CmdCreateClose)
	require.Len(t, closeCalls, 1)
	assert.Equal(t, "4", closeCalls[0].Args["devid"])
	assert.Equal(t, "77", closeCalls[0].Args["fid"])
}

func TestNewFile_EmptyPath(t *testing.T) {
	tests := []struct {
		name string
		res  tracker.Result
	}{
		{"single shape", tracker.Result{"fid": "1", "devid": "1"}},
		{"multi shape", tracker.Result{"fid": "1", "dev_count": "1", "devid_1": "1", "path_1": ""}},
		{"zero destinations", tracker.Result{"fid": "1", "dev_count": "0"}},
		{"negative destinations", tracker.Result{"fid": "1", "dev_count": "-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := trackertest.NewFake().Reply(tracker.CmdCreateOpen, tt.res)
			s := New(Options{Domain: "test", Client: fake, Logger: zerolog.Nop()})

			_, err := s.NewFile(context.Background(), "k", "", 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.EmptyPath))
			assert.True(t, errors.IsPrecondition(err))
			assert.Empty(t, fake.CallsTo(tracker.CmdCreateClose))
		})
	}
}

func TestNewFile_TrackerError(t *testing.T) {
	fake := trackertest.NewFake().Fail(tracker.CmdCreateOpen, errors.FromBackend("unreg_domain", "unknown domain"))
	s := New(Options{Domain: "nope", Client: fake, Logger: zerolog.Nop()})

	_, err := s.NewFile(context.Background(), "k", "", 0)
	assert.True(t, errors.Is(err, errors.DomainNotFound))
}

func TestClose_SizeMismatch(t *testing.T) {
	e := newEnv(t)

	f, err := e.session.NewFile(context.Background(), "k", "", 10)
	require.NoError(t, err)
	_, err = f.Write([]byte("short"))
	require.NoError(t, err)

	n, err := f.Close()
	require.Error(t, err)
	assert.Equal(t, int64(5), n)
	assert.True(t, errors.Is(err, errors.SizeMismatch))

	var me *errors.MogileFSError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, f.ID(), me.RequestID)

	assert.Empty(t, e.tracker.CallsTo(tracker.CmdCreateClose), "a mismatched write is never committed")
	_, ok := e.tracker.Path("test", "k")
	assert.False(t, ok)
	assert.Zero(t, e.written.n.Load())
}

func TestClose_StorageRejectsUpload(t *testing.T) {
	e := newEnv(t)
	e.storage.FailPuts(http.StatusInternalServerError)

	_, err := e.session.StoreContent(context.Background(), "k", "", []byte("data"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageWrite, errors.CodeOf(err))
	assert.Empty(t, e.tracker.CallsTo(tracker.CmdCreateClose))
}

func TestFile_UseAfterClose(t *testing.T) {
	e := newEnv(t)

	f, err := e.session.NewFile(context.Background(), "k", "", 0)
	require.NoError(t, err)
	_, err = f.Close()
	require.NoError(t, err)

	_, err = f.Write([]byte("x"))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
	_, err = f.Close()
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
	assert.NoError(t, f.Abort())
	assert.Len(t, e.tracker.CallsTo(tracker.CmdCreateClose), 1)
}

func TestFile_AbortHTTP(t *testing.T) {
	e := newEnv(t)

	f, err := e.session.NewFile(context.Background(), "k", "", 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("discard me"))
	require.NoError(t, err)
	require.NoError(t, f.Abort())

	assert.Empty(t, e.storage.Puts())
	assert.Empty(t, e.tracker.CallsTo(tracker.CmdCreateClose))
}

func TestNFSMode(t *testing.T) {
	root := t.TempDir()
	fake := trackertest.NewFake().
		Reply(tracker.CmdCreateOpen, tracker.Result{"fid": "12", "devid": "1", "path": "/dev1/0/000/000/0000000012.fid"}).
		Reply(tracker.CmdCreateClose, tracker.Result{})
	s := New(Options{Domain: "test", Root: root, Client: fake, Logger: zerolog.Nop()})

	n, err := s.StoreContent(context.Background(), "k", "", []byte("on the mount"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	data, err := os.ReadFile(filepath.Join(root, "dev1/0/000/000/0000000012.fid"))
	require.NoError(t, err)
	assert.Equal(t, "on the mount", string(data))

	closeCalls := fake.CallsTo(tracker.CmdCreateClose)
	require.Len(t, closeCalls, 1)
	assert.Equal(t, "/dev1/0/000/000/0000000012.fid", closeCalls[0].Args["path"])
	assert.Equal(t, "12", closeCalls[0].Args["size"])
}

func TestNFSMode_Abort(t *testing.T) {
	root := t.TempDir()
	fake := trackertest.NewFake().
		Reply(tracker.CmdCreateOpen, tracker.Result{"fid": "3", "devid": "2", "path": "/dev2/0/000/000/0000000003.fid"})
	s := New(Options{Domain: "test", Root: root, Client: fake, Logger: zerolog.Nop()})

	f, err := s.NewFile(context.Background(), "k", "", 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, f.Abort())

	_, err = os.Stat(filepath.Join(root, "dev2/0/000/000/0000000003.fid"))
	assert.True(t, os.IsNotExist(err))
}

func TestStoreFile_Sources(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 0x10000/16+100)
	small := []byte("small file contents")

	dir := t.TempDir()
	bigPath := filepath.Join(dir, "big.bin")
	smallPath := filepath.Join(dir, "small.bin")
	require.NoError(t, os.WriteFile(bigPath, big, 0644))
	require.NoError(t, os.WriteFile(smallPath, small, 0644))

	tests := []struct {
		name string
		src  types.Source
		want []byte
	}{
		{"bytes", types.FromBytes(small), small},
		{"reader", types.FromReader(bytes.NewReader(big)), big},
		{"reader of unknown length", types.FromReader(strings.NewReader("streamed")), []byte("streamed")},
		{"small path", types.FromPath(smallPath), small},
		{"big path", types.FromPath(bigPath), big},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)

			n, err := e.session.StoreFile(context.Background(), "key", "class", tt.src)
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.want)), n)

			puts := e.storage.Puts()
			require.Len(t, puts, 1)
			assert.Equal(t, int64(len(tt.want)), puts[0].ContentLength)
			assert.Equal(t, tt.want, puts[0].Body)

			closeCalls := e.tracker.CallsTo(tracker.CmdCreateClose)
			require.Len(t, closeCalls, 1)
			assert.Equal(t, "class", e.tracker.CallsTo(tracker.CmdCreateOpen)[0].Args["class"])
		})
	}
}

func TestStoreFile_BigFileThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	e := newEnv(t)
	e.session = New(Options{Domain: "test", Client: e.tracker, Logger: zerolog.Nop(), BigFileThreshold: 4})

	n, err := e.session.StoreFile(context.Background(), "k", "", types.FromPath(path))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, "0123456789", string(e.storage.Puts()[0].Body))
}

func TestStoreFile_MissingPath(t *testing.T) {
	e := newEnv(t)

	_, err := e.session.StoreFile(context.Background(), "k", "", types.FromPath("/does/not/exist"))
	assert.Equal(t, errors.ErrCodeStorageRead, errors.CodeOf(err))
	assert.Zero(t, e.tracker.CallCount())
}

func TestStoreContent_ReturnsLength(t *testing.T) {
	e := newEnv(t)

	n, err := e.session.StoreContent(context.Background(), "k", "", []byte("exact"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	stored, ok := e.storage.File("/dev1/0/000/000/0000000001.fid")
	require.True(t, ok)
	assert.Equal(t, "exact", string(stored))
}

func TestReadOnly_NoTrackerCalls(t *testing.T) {
	fake := trackertest.NewFake()
	s := New(Options{Domain: "test", ReadOnly: true, Client: fake, Logger: zerolog.Nop()})
	ctx := context.Background()
	assert.True(t, s.ReadOnly())

	_, err := s.NewFile(ctx, "k", "", 0)
	assert.True(t, errors.Is(err, errors.ReadOnly))
	_, err = s.StoreFile(ctx, "k", "", types.FromBytes([]byte("x")))
	assert.True(t, errors.Is(err, errors.ReadOnly))
	_, err = s.StoreFile(ctx, "k", "", types.FromPath("/does/not/exist"))
	assert.True(t, errors.Is(err, errors.ReadOnly))
	_, err = s.StoreContent(ctx, "k", "", []byte("x"))
	assert.True(t, errors.Is(err, errors.ReadOnly))
	assert.True(t, errors.Is(s.Delete(ctx, "k"), errors.ReadOnly))
	assert.True(t, errors.Is(s.Rename(ctx, "a", "b"), errors.ReadOnly))

	assert.Zero(t, fake.CallCount())
	assert.Contains(t, s.Delete(ctx, "k").Error(), "readonly mogilefs")
}

func TestDeleteRenameSleep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.tracker.Put("test", "a", "http://x/dev1/a.fid")

	require.NoError(t, e.session.Rename(ctx, "a", "b"))
	_, ok := e.tracker.Path("test", "b")
	assert.True(t, ok)
	assert.Equal(t, tracker.Args{"domain": "test", "from_key": "a", "to_key": "b"},
		e.tracker.CallsTo(tracker.CmdRename)[0].Args)

	require.NoError(t, e.session.Delete(ctx, "b"))
	assert.Equal(t, tracker.Args{"domain": "test", "key": "b"}, e.tracker.CallsTo(tracker.CmdDelete)[0].Args)

	err := e.session.Delete(ctx, "b")
	assert.True(t, errors.Is(err, errors.UnknownKey))

	e.tracker.Put("test", "c", "http://x/dev1/c.fid")
	e.tracker.Put("test", "d", "http://x/dev1/d.fid")
	assert.True(t, errors.Is(e.session.Rename(ctx, "c", "d"), errors.KeyExists))

	require.NoError(t, e.session.Sleep(ctx, 2))
	assert.Equal(t, "2", e.tracker.CallsTo(tracker.CmdSleep)[0].Args["duration"])
}

func TestDestinations(t *testing.T) {
	assert.Equal(t, []types.Destination{{DevID: 1, Path: "p"}},
		destinations(tracker.Result{"devid": "1", "path": "p"}))
	assert.Equal(t, []types.Destination{{DevID: 5, Path: "a"}, {DevID: 6, Path: "b"}},
		destinations(tracker.Result{"dev_count": "2", "devid_1": "5", "path_1": "a", "devid_2": "6", "path_2": "b"}))
	assert.Equal(t, []types.Destination{{}}, destinations(tracker.Result{"dev_count": "-2"}))
	assert.Len(t, destinations(tracker.Result{"dev_count": "99999999999", "devid_1": "3", "path_1": "x"}), 3)
}

// silentNode accepts connections and never answers.
func silentNode(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestStoreContent_UnresponsiveStorageTimesOut(t *testing.T) {
	addr := silentNode(t)
	fake := trackertest.NewFake().
		Reply(tracker.CmdCreateOpen, tracker.Result{
			"fid": "1", "devid": "1", "path": "http://" + addr + types.FIDPath(1, 1),
		}).
		Reply(tracker.CmdCreateClose, tracker.Result{})
	s := New(Options{Domain: "test", Client: fake, Timeout: 200 * time.Millisecond, Logger: zerolog.Nop()})

	done := make(chan error, 1)
	go func() {
		_, err := s.StoreContent(context.Background(), "k", "", []byte("payload"))
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeStorageWrite, errors.CodeOf(err))
		assert.Empty(t, fake.CallsTo(tracker.CmdCreateClose))
	case <-time.After(5 * time.Second):
		t.Fatal("upload to an unresponsive storage node did not time out")
	}
}

func TestNew_DefaultTimeout(t *testing.T) {
	s := New(Options{Domain: "test", Client: trackertest.NewFake(), Logger: zerolog.Nop()})
	require.NotNil(t, s.http)
	assert.NotSame(t, http.DefaultClient, s.http)
	tr, ok := s.http.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, tr.ResponseHeaderTimeout)
}
