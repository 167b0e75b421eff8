package types

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// FID is the numeric identifier the tracker assigns to a stored object at creation.
type FID uint64

// DevID identifies a storage device.
type DevID uint64

// Key is the logical identifier of one stored object.
type Key struct {
	Domain string `json:"domain"`
	Key    string `json:"key"`
}

// String returns "domain/key".
func (k Key) String() string {
	return k.Domain + "/" + k.Key
}

// Device describes one storage device as seen through the metadata tables.
type Device struct {
	ID          DevID  `json:"devid"`
	HostIP      string `json:"hostip"`
	AltIP       string `json:"altip"`
	HTTPPort    int    `json:"http_port"`
	HTTPGetPort int    `json:"http_get_port"`
	Readable    bool   `json:"readable"`
}

// Host returns the address to use for reads, honouring a zone hint. The
// alternate address is only chosen when it exists and differs from the
// primary one.
func (d Device) Host(zone string) string {
	if zone != "" && d.AltIP != "" && d.AltIP != d.HostIP {
		return d.AltIP
	}
	return d.HostIP
}

// GetPort returns the dedicated read port when configured, else the primary port.
func (d Device) GetPort() int {
	if d.HTTPGetPort != 0 {
		return d.HTTPGetPort
	}
	return d.HTTPPort
}

// Domain maps a namespace name to its numeric id.
type Domain struct {
	ID   uint64 `json:"dmid"`
	Name string `json:"namespace"`
}

// FIDPath returns the on-device path of fid, e.g.
// /dev1/0/000/000/0000000012.fid.
func FIDPath(dev DevID, fid FID) string {
	nfid := fmt.Sprintf("%010d", uint64(fid))
	return fmt.Sprintf("/dev%d/%s/%s/%s/%s.fid", dev, nfid[0:1], nfid[1:4], nfid[4:7], nfid)
}

// CandidateKind tags the variant held by a Candidate.
type CandidateKind int

const (
	// CandidateHTTP is a replica served by a storage node over HTTP.
	CandidateHTTP CandidateKind = iota
	// CandidateFile is a replica reachable as a local filesystem path (NFS mode).
	CandidateFile
)

// String returns the kind name.
func (k CandidateKind) String() string {
	switch k {
	case CandidateHTTP:
		return "http"
	case CandidateFile:
		return "file"
	default:
		return "unknown"
	}
}

// Candidate is one physical location expected to hold a key's bytes.
type Candidate struct {
	Kind CandidateKind `json:"kind"`

	// HTTP variant.
	DevID DevID  `json:"devid,omitempty"`
	Host  string `json:"host,omitempty"`
	Port  int    `json:"port,omitempty"`
	Path  string `json:"path,omitempty"`

	// File variant.
	FilePath string `json:"file_path,omitempty"`
}

// HTTPCandidate builds an HTTP candidate from its parts.
func HTTPCandidate(dev DevID, host string, port int, path string) Candidate {
	return Candidate{Kind: CandidateHTTP, DevID: dev, Host: host, Port: port, Path: path}
}

// FileCandidate builds a filesystem candidate.
func FileCandidate(path string) Candidate {
	return Candidate{Kind: CandidateFile, FilePath: path}
}

// ParseCandidate turns a path string returned by the tracker into a candidate.
// Strings starting with http:// are HTTP endpoints; anything else is a file path.
func ParseCandidate(raw string) (Candidate, error) {
	if !IsHTTPPath(raw) {
		return FileCandidate(raw), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Candidate{}, fmt.Errorf("parse replica url %q: %w", raw, err)
	}
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Candidate{}, fmt.Errorf("parse replica port %q: %w", raw, err)
		}
	}
	c := HTTPCandidate(devIDFromPath(u.Path), u.Hostname(), port, u.RequestURI())
	return c, nil
}

// devIDFromPath extracts N from a /devN/... path, or 0.
func devIDFromPath(p string) DevID {
	if !strings.HasPrefix(p, "/dev") {
		return 0
	}
	rest := p[len("/dev"):]
	end := strings.IndexByte(rest, '/')
	if end < 0 {
		return 0
	}
	n, err := strconv.ParseUint(rest[:end], 10, 64)
	if err != nil {
		return 0
	}
	return DevID(n)
}

// IsHTTPPath reports whether a tracker path is an HTTP URL.
func IsHTTPPath(p string) bool {
	return strings.HasPrefix(p, "http://")
}

// Addr returns host:port for HTTP candidates.
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String renders the candidate the way the tracker reports it.
func (c Candidate) String() string {
	if c.Kind == CandidateFile {
		return c.FilePath
	}
	return "http://" + c.Addr() + c.Path
}

// Destination is one write target negotiated by create_open.
type Destination struct {
	DevID DevID  `json:"devid"`
	Path  string `json:"path"`
}

// KeyInfo is one row of a direct key listing.
type KeyInfo struct {
	Key      string `json:"key"`
	Length   int64  `json:"length"`
	DevCount int    `json:"devcount"`
}

// SourceKind tags the variant held by a Source.
type SourceKind int

const (
	// SourceBytes is an in-memory buffer.
	SourceBytes SourceKind = iota
	// SourcePath is a file on the local filesystem.
	SourcePath
	// SourceReader is a stream consumed until EOF.
	SourceReader
)

// Source is the content handed to StoreFile. Exactly one variant is set,
// selected by Kind.
type Source struct {
	Kind   SourceKind
	Data   []byte
	Path   string
	Reader io.Reader
}

// FromBytes wraps an in-memory buffer.
func FromBytes(data []byte) Source {
	return Source{Kind: SourceBytes, Data: data}
}

// FromPath wraps a local file path.
func FromPath(path string) Source {
	return Source{Kind: SourcePath, Path: path}
}

// FromReader wraps a stream.
func FromReader(r io.Reader) Source {
	return Source{Kind: SourceReader, Reader: r}
}
