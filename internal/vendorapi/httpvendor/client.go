// Package httpvendor is the concrete HTTP implementation of
// internal/vendorapi's interfaces: it issues the actual Range probes,
// ranged GETs, and precreate/upload/create calls against the vendor's PCS
// and CDN endpoints. It generalizes the original client's retryablehttp
// wrapping and structured logging (internal/api/client.go) from Rescale's
// JSON REST surface onto Baidu NetDisk's query-string-parameter protocol.
package httpvendor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/baiducore/netcore/internal/logging"
	"github.com/baiducore/netcore/internal/ratelimit"
	"github.com/baiducore/netcore/internal/vendorapi"
	"github.com/baiducore/netcore/internal/vendorhttp"
)

// retryLogger adapts our structured logger to retryablehttp.LeveledLogger.
type retryLogger struct {
	log *logging.Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }

// Config holds everything the vendor client needs beyond the destination
// URLs the caller passes per call: the precreate/upload/create base URL,
// signing material, and the rate limiter budget for the vendor's PCS API.
type Config struct {
	// PCSBaseURL is the base URL for precreate/upload/create/list calls,
	// e.g. "https://pcs.baidu.com/rest/2.0/pcs".
	PCSBaseURL  string
	AccessToken string

	Proxy vendorhttp.ProxyConfig

	// RequestsPerSecond/Burst bound PCS metadata calls (precreate, create,
	// list); chunk transfers bypass this limiter since their pacing is the
	// endpoint-health / scheduler's job, not the PCS API's.
	RequestsPerSecond float64
	Burst             float64
}

// DefaultConfig returns a conservative metadata-call budget; callers
// override PCSBaseURL/AccessToken.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: ratelimit.PCSMetadataRatePerSec, Burst: ratelimit.PCSMetadataBurst}
}

// Client implements vendorapi.Prober, RangeFetcher, Precreator,
// ChunkUploader, Committer, and DirLister against the real vendor API.
type Client struct {
	http      *nethttp.Client // used directly for Probe/FetchRange/UploadChunk
	retryHTTP *nethttp.Client // wraps http with retryablehttp, used for precreate/create/list
	limiter   *ratelimit.RateLimiter
	cfg       Config
	log       *logging.Logger
}

// New builds a Client. log may be nil, in which case retry attempts are not
// logged.
func New(cfg Config, log *logging.Logger) *Client {
	if cfg.RequestsPerSecond == 0 {
		cfg = DefaultConfig()
	}
	base := vendorhttp.NewClient(cfg.Proxy)

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = 5
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	if log != nil {
		rc.Logger = retryLogger{log: log}
	} else {
		rc.Logger = nil
	}

	return &Client{
		http:      base,
		retryHTTP: rc.StandardClient(),
		limiter:   ratelimit.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		cfg:       cfg,
		log:       log,
	}
}

// pcsErrorBody is the vendor's JSON error envelope on PCS calls.
type pcsErrorBody struct {
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// checkPCSResponse reads and classifies a PCS JSON response, returning the
// body bytes on success or a *vendorapi.VendorError on a non-2xx status or
// a non-zero error_code.
func checkPCSResponse(resp *nethttp.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpvendor: failed reading response body: %w", err)
	}
	var probe pcsErrorBody
	_ = json.Unmarshal(data, &probe)
	if probe.ErrorCode != 0 {
		return nil, &vendorapi.VendorError{HTTPStatus: resp.StatusCode, Errno: probe.ErrorCode, Message: probe.ErrorMsg}
	}
	if resp.StatusCode >= 400 {
		return nil, &vendorapi.VendorError{HTTPStatus: resp.StatusCode, Errno: probe.ErrorCode, Message: string(data)}
	}
	return data, nil
}

// Probe implements vendorapi.Prober: a small leading Range request used to
// validate a candidate endpoint and estimate its speed.
func (c *Client) Probe(ctx context.Context, rawURL, cookie string) (vendorapi.ProbeResult, error) {
	const probeBytes = 256 * 1024

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, rawURL, nil)
	if err != nil {
		return vendorapi.ProbeResult{}, fmt.Errorf("httpvendor: building probe request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeBytes-1))
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return vendorapi.ProbeResult{}, fmt.Errorf("httpvendor: probe request failed: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start).Milliseconds()

	result := vendorapi.ProbeResult{StatusCode: resp.StatusCode, ElapsedMs: elapsed}
	if resp.Request != nil && resp.Request.URL != nil && resp.Request.URL.String() != rawURL {
		result.RedirectURL = rawURL
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if total, ok := parseContentRangeTotal(cr); ok {
			result.TotalSize = total
		}
	}
	io.Copy(io.Discard, resp.Body)
	return result, nil
}

// parseContentRangeTotal extracts the total size from a "bytes a-b/total"
// Content-Range header value.
func parseContentRangeTotal(header string) (int64, bool) {
	idx := -1
	for i := len(header) - 1; i >= 0; i-- {
		if header[i] == '/' {
			idx = i
			break
		}
	}
	if idx == -1 || idx+1 >= len(header) {
		return 0, false
	}
	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// FetchRange implements vendorapi.RangeFetcher: an HTTP Range GET for one
// chunk's byte span, returning the response body unread for the caller to
// stream to disk.
func (c *Client) FetchRange(ctx context.Context, rawURL, cookie, referer string, start, end int64, timeout time.Duration) (vendorapi.RangeResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := nethttp.NewRequestWithContext(reqCtx, nethttp.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return vendorapi.RangeResult{}, fmt.Errorf("httpvendor: building range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return vendorapi.RangeResult{}, fmt.Errorf("httpvendor: range request failed: %w", err)
	}
	return vendorapi.RangeResult{
		Body:       &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel},
		StatusCode: resp.StatusCode,
	}, nil
}

// cancelOnCloseBody releases the per-request timeout context once the
// caller finishes reading the body, whether that happens normally or via an
// early Close after an error.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// Precreate implements vendorapi.Precreator.
func (c *Client) Precreate(ctx context.Context, path string, size int64, blockList []string, contentMD5, sliceMD5 string, crc32 uint32) (vendorapi.PrecreateResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return vendorapi.PrecreateResult{}, fmt.Errorf("httpvendor: rate limiter: %w", err)
	}
	blockListJSON, err := json.Marshal(blockList)
	if err != nil {
		return vendorapi.PrecreateResult{}, fmt.Errorf("httpvendor: marshaling block_list: %w", err)
	}

	form := url.Values{}
	form.Set("path", path)
	form.Set("size", strconv.FormatInt(size, 10))
	form.Set("block_list", string(blockListJSON))
	form.Set("content-md5", contentMD5)
	form.Set("slice-md5", sliceMD5)
	form.Set("crc32", strconv.FormatUint(uint64(crc32), 10))
	form.Set("rtype", "3") // overwrite-on-conflict, matching the create step's IsFileExists handling

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.cfg.PCSBaseURL+"/file?method=precreate&access_token="+url.QueryEscape(c.cfg.AccessToken), nil)
	if err != nil {
		return vendorapi.PrecreateResult{}, err
	}
	req.Body = io.NopCloser(strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.retryHTTP.Do(req)
	if err != nil {
		return vendorapi.PrecreateResult{}, fmt.Errorf("httpvendor: precreate request failed: %w", err)
	}
	data, err := checkPCSResponse(resp)
	if err != nil {
		return vendorapi.PrecreateResult{}, err
	}

	var body struct {
		UploadID   string `json:"uploadid"`
		ReturnType int    `json:"return_type"` // 2 == vendor already holds this content
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return vendorapi.PrecreateResult{}, fmt.Errorf("httpvendor: decoding precreate response: %w", err)
	}
	return vendorapi.PrecreateResult{UploadID: body.UploadID, RapidUpload: body.ReturnType == 2}, nil
}

// UploadChunk implements vendorapi.ChunkUploader.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, partSeq int, data []byte) (string, error) {
	q := url.Values{}
	q.Set("method", "upload")
	q.Set("access_token", c.cfg.AccessToken)
	q.Set("uploadid", uploadID)
	q.Set("partseq", strconv.Itoa(partSeq))

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.cfg.PCSBaseURL+"/superfile2?"+q.Encode(), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("httpvendor: building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("httpvendor: upload chunk request failed: %w", err)
	}
	responseData, err := checkPCSResponse(resp)
	if err != nil {
		return "", err
	}

	var body struct {
		MD5 string `json:"md5"`
	}
	if err := json.Unmarshal(responseData, &body); err != nil {
		return "", fmt.Errorf("httpvendor: decoding upload chunk response: %w", err)
	}
	return body.MD5, nil
}

// Create implements vendorapi.Committer.
func (c *Client) Create(ctx context.Context, path string, size int64, blockList []string, uploadID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("httpvendor: rate limiter: %w", err)
	}
	blockListJSON, err := json.Marshal(blockList)
	if err != nil {
		return fmt.Errorf("httpvendor: marshaling block_list: %w", err)
	}

	form := url.Values{}
	form.Set("path", path)
	form.Set("size", strconv.FormatInt(size, 10))
	form.Set("block_list", string(blockListJSON))
	form.Set("uploadid", uploadID)
	form.Set("rtype", "3")

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.cfg.PCSBaseURL+"/file?method=create&access_token="+url.QueryEscape(c.cfg.AccessToken), nil)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.retryHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("httpvendor: create request failed: %w", err)
	}
	_, err = checkPCSResponse(resp)
	return err
}

// ListDir implements vendorapi.DirLister.
func (c *Client) ListDir(ctx context.Context, path, cursor string) ([]vendorapi.DirEntry, string, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", false, fmt.Errorf("httpvendor: rate limiter: %w", err)
	}
	start := "0"
	if cursor != "" {
		start = cursor
	}
	q := url.Values{}
	q.Set("method", "list")
	q.Set("access_token", c.cfg.AccessToken)
	q.Set("path", path)
	q.Set("start", start)
	q.Set("limit", "1000")

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, c.cfg.PCSBaseURL+"/file?"+q.Encode(), nil)
	if err != nil {
		return nil, "", false, err
	}

	resp, err := c.retryHTTP.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("httpvendor: list request failed: %w", err)
	}
	data, err := checkPCSResponse(resp)
	if err != nil {
		return nil, "", false, err
	}

	var body struct {
		List []struct {
			FsID     int64  `json:"fs_id"`
			Path     string `json:"path"`
			ServerFN string `json:"server_filename"`
			Size     int64  `json:"size"`
			IsDir    int    `json:"isdir"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, "", false, fmt.Errorf("httpvendor: decoding list response: %w", err)
	}

	entries := make([]vendorapi.DirEntry, len(body.List))
	for i, e := range body.List {
		entries[i] = vendorapi.DirEntry{
			FsID:           e.FsID,
			Path:           e.Path,
			ServerFilename: e.ServerFN,
			Size:           e.Size,
			IsDir:          e.IsDir == 1,
		}
	}

	hasMore := len(entries) == 1000
	nextCursor := ""
	if hasMore {
		startInt, _ := strconv.Atoi(start)
		nextCursor = strconv.Itoa(startInt + len(entries))
	}
	return entries, nextCursor, hasMore, nil
}
