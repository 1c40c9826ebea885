// Package vendorapi specifies, at interface boundaries only, the vendor
// HTTP surface the transfer core consumes: ranged downloads, the
// precreate/upload/create multipart upload protocol, and paginated
// directory listing. Concrete HTTP wiring, auth/cookie lifecycle, and JSON
// framing are explicitly out of scope — callers provide an implementation;
// internal/vendorapi/fake provides one for tests.
package vendorapi

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ProbeResult is the outcome of a small Range probe against one candidate
// endpoint.
type ProbeResult struct {
	StatusCode  int
	TotalSize   int64
	ElapsedMs   int64
	RedirectURL string // pre-redirect URL, recorded as Referer for later ranged requests; empty if no redirect occurred
}

// Prober issues the small initial Range request used to validate an
// endpoint and estimate its probe speed.
type Prober interface {
	Probe(ctx context.Context, url, cookie string) (ProbeResult, error)
}

// RangeResult carries the streamed body of one chunk's Range request.
type RangeResult struct {
	Body       io.ReadCloser
	StatusCode int
}

// RangeFetcher issues the per-chunk ranged GET against a download endpoint.
type RangeFetcher interface {
	FetchRange(ctx context.Context, url, cookie, referer string, start, end int64, timeout time.Duration) (RangeResult, error)
}

// PrecreateResult is returned by Precreator.Precreate.
type PrecreateResult struct {
	UploadID    string
	RapidUpload bool // true if the vendor already holds this content; chunk upload may be skipped entirely
}

// Precreator issues the upload protocol's first step: registering the
// target path/size/block list (and, for the rapid-upload fast path,
// content/slice hashes) and receiving an upload_id or a rapid-upload hit.
type Precreator interface {
	Precreate(ctx context.Context, path string, size int64, blockList []string, contentMD5, sliceMD5 string, crc32 uint32) (PrecreateResult, error)
}

// ChunkUploader POSTs one 4 MiB-aligned upload block and returns the MD5 the
// server acknowledges for that block.
type ChunkUploader interface {
	UploadChunk(ctx context.Context, uploadID string, partSeq int, data []byte) (ackMD5 string, err error)
}

// Committer issues the upload protocol's final step, committing the file
// from its uploaded blocks.
type Committer interface {
	Create(ctx context.Context, path string, size int64, blockList []string, uploadID string) error
}

// DirEntry is one remote directory listing row.
type DirEntry struct {
	FsID           int64
	Path           string
	ServerFilename string
	Size           int64
	IsDir          bool
}

// DirLister enumerates a remote directory page by page.
type DirLister interface {
	ListDir(ctx context.Context, path, cursor string) (entries []DirEntry, nextCursor string, hasMore bool, err error)
}

// VendorError wraps an HTTP status and the vendor's JSON errno field, the
// fields the retry/error-classification layer inspects.
type VendorError struct {
	HTTPStatus int
	Errno      int
	Message    string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor error: http=%d errno=%d: %s", e.HTTPStatus, e.Errno, e.Message)
}

// IsAuthExpired reports whether this error is the distinguished
// "session warm-up required" vendor code (errno=-6) or an HTTP 401.
func (e *VendorError) IsAuthExpired() bool {
	return e.Errno == -6 || e.HTTPStatus == 401
}

// IsUploadIDExpired reports whether the vendor rejected a commit because
// its upload_id is no longer valid.
func (e *VendorError) IsUploadIDExpired() bool {
	return e.Errno == errnoUploadIDExpired
}

// IsFileExists reports whether the vendor rejected a commit because the
// target path already exists.
func (e *VendorError) IsFileExists() bool {
	return e.Errno == errnoFileExists
}

// Vendor errno constants observed in the original client's logical-error
// handling (upload_id expiry, file-exists-on-create).
const (
	errnoUploadIDExpired = -46
	errnoFileExists      = -8
)
