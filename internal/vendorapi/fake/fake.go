// Package fake provides a minimal in-memory implementation of every
// internal/vendorapi interface, used by package tests that need a stand-in
// vendor surface without a real HTTP server.
package fake

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/baiducore/netcore/internal/vendorapi"
)

type uploadSession struct {
	targetPath string
	blockList  []string
	received   map[int][]byte
}

// Backend is an in-memory vendor stand-in: a url->content map for
// downloads, and a precreate/upload/create session table for uploads. It
// implements Prober, RangeFetcher, Precreator, ChunkUploader, Committer,
// and DirLister.
type Backend struct {
	mu sync.Mutex

	content map[string][]byte // download URL -> full file bytes
	dirs    map[string][]vendorapi.DirEntry

	rapidPaths map[string]bool
	sessions   map[string]*uploadSession
	committed  map[string][]byte
	nextID     int

	// FailURLs causes Probe/FetchRange to fail for the named URL, used to
	// exercise endpoint downgrade and chunk-retry paths.
	FailURLs map[string]bool
}

// New builds an empty Backend.
func New() *Backend {
	return &Backend{
		content:    make(map[string][]byte),
		dirs:       make(map[string][]vendorapi.DirEntry),
		rapidPaths: make(map[string]bool),
		sessions:   make(map[string]*uploadSession),
		committed:  make(map[string][]byte),
		FailURLs:   make(map[string]bool),
	}
}

// SetContent registers the bytes a download URL serves.
func (b *Backend) SetContent(url string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content[url] = data
}

// SetDir registers the listing a directory path returns from ListDir.
func (b *Backend) SetDir(path string, entries []vendorapi.DirEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirs[path] = entries
}

// MarkRapidUpload causes the next Precreate for targetPath to report a
// rapid-upload hit.
func (b *Backend) MarkRapidUpload(targetPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rapidPaths[targetPath] = true
}

// Committed returns the bytes assembled by a completed Create call for
// targetPath, and whether one occurred.
func (b *Backend) Committed(targetPath string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.committed[targetPath]
	return data, ok
}

// Probe implements vendorapi.Prober.
func (b *Backend) Probe(ctx context.Context, url, cookie string) (vendorapi.ProbeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailURLs[url] {
		return vendorapi.ProbeResult{}, fmt.Errorf("fake: probe failure injected for %s", url)
	}
	data, ok := b.content[url]
	if !ok {
		return vendorapi.ProbeResult{StatusCode: 404}, nil
	}
	return vendorapi.ProbeResult{StatusCode: 206, TotalSize: int64(len(data)), ElapsedMs: 1}, nil
}

// FetchRange implements vendorapi.RangeFetcher.
func (b *Backend) FetchRange(ctx context.Context, url, cookie, referer string, start, end int64, timeout time.Duration) (vendorapi.RangeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailURLs[url] {
		return vendorapi.RangeResult{}, fmt.Errorf("fake: range failure injected for %s", url)
	}
	data, ok := b.content[url]
	if !ok {
		return vendorapi.RangeResult{StatusCode: 404}, nil
	}
	if start < 0 || end > int64(len(data)) || start > end {
		return vendorapi.RangeResult{}, fmt.Errorf("fake: out-of-range request [%d,%d) over %d bytes", start, end, len(data))
	}
	body := io.NopCloser(bytes.NewReader(data[start:end]))
	return vendorapi.RangeResult{Body: body, StatusCode: 206}, nil
}

// Precreate implements vendorapi.Precreator.
func (b *Backend) Precreate(ctx context.Context, path string, size int64, blockList []string, contentMD5, sliceMD5 string, crc32 uint32) (vendorapi.PrecreateResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rapidPaths[path] {
		return vendorapi.PrecreateResult{RapidUpload: true}, nil
	}
	b.nextID++
	id := "upload-" + strconv.Itoa(b.nextID)
	b.sessions[id] = &uploadSession{
		targetPath: path,
		blockList:  append([]string(nil), blockList...),
		received:   make(map[int][]byte),
	}
	return vendorapi.PrecreateResult{UploadID: id}, nil
}

// UploadChunk implements vendorapi.ChunkUploader.
func (b *Backend) UploadChunk(ctx context.Context, uploadID string, partSeq int, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[uploadID]
	if !ok {
		return "", &vendorapi.VendorError{Errno: -46, Message: "unknown upload_id"}
	}
	sum := md5.Sum(data)
	ack := hex.EncodeToString(sum[:])
	cp := append([]byte(nil), data...)
	sess.received[partSeq] = cp
	return ack, nil
}

// Create implements vendorapi.Committer.
func (b *Backend) Create(ctx context.Context, path string, size int64, blockList []string, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[uploadID]
	if !ok {
		return &vendorapi.VendorError{Errno: -46, Message: "unknown upload_id"}
	}
	if _, exists := b.committed[path]; exists {
		return &vendorapi.VendorError{Errno: -8, Message: "file already exists"}
	}
	indices := make([]int, 0, len(sess.received))
	for idx := range sess.received {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	var buf bytes.Buffer
	for _, idx := range indices {
		buf.Write(sess.received[idx])
	}
	b.committed[path] = buf.Bytes()
	delete(b.sessions, uploadID)
	return nil
}

// ListDir implements vendorapi.DirLister. cursor is ignored; the fake
// always returns its whole registered listing on the first call.
func (b *Backend) ListDir(ctx context.Context, path, cursor string) ([]vendorapi.DirEntry, string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cursor != "" {
		return nil, "", false, nil
	}
	return append([]vendorapi.DirEntry(nil), b.dirs[path]...), "", false, nil
}
