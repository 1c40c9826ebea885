package httpvendor

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/url"
)

// Resolver implements transferengine.URLResolver against the vendor's
// multi-dlink file metadata call, which returns several candidate CDN
// mirrors per file (the set the endpointhealth package's manager then
// probes and scores). It is a separate type from Client, not an added
// method, because resolving download candidates is a metadata concern
// distinct from the Prober/RangeFetcher/Precreator/ChunkUploader/Committer
// surface Client otherwise implements — a task never needs both at once.
type Resolver struct {
	client    *Client
	uploadURL string
}

// NewResolver builds a Resolver sharing client's rate limiter and
// transport. uploadURL is the fixed endpoint every upload chunk POST
// targets, since unlike downloads the vendor does not hand out multiple
// upload mirrors.
func NewResolver(client *Client, uploadURL string) *Resolver {
	return &Resolver{client: client, uploadURL: uploadURL}
}

// DownloadURLs implements transferengine.URLResolver. It asks the PCS
// metadata endpoint for every dlink candidate known for fsID and returns
// them in the order the vendor ranks them; the endpoint-health manager's
// own probe-and-filter step is what actually picks among them per chunk.
func (r *Resolver) DownloadURLs(ctx context.Context, fsID uint64, remotePath string) ([]string, error) {
	if err := r.client.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("httpvendor: rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("method", "filemetas")
	q.Set("access_token", r.client.cfg.AccessToken)
	q.Set("dlink", "1")
	q.Set("fsids", fmt.Sprintf("[%d]", fsID))

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, r.client.cfg.PCSBaseURL+"/file?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.retryHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpvendor: filemetas request failed: %w", err)
	}
	data, err := checkPCSResponse(resp)
	if err != nil {
		return nil, err
	}

	var body struct {
		List []struct {
			FsID  uint64 `json:"fs_id"`
			Dlink string `json:"dlink"`
			// Some accounts/regions return a list of mirrors rather than a
			// single dlink; both shapes are accepted.
			Dlinks []string `json:"dlinks"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("httpvendor: decoding filemetas response: %w", err)
	}

	var urls []string
	for _, entry := range body.List {
		if entry.FsID != fsID {
			continue
		}
		if entry.Dlink != "" {
			urls = append(urls, entry.Dlink)
		}
		urls = append(urls, entry.Dlinks...)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("httpvendor: no dlink candidates for fs_id %d (%q)", fsID, remotePath)
	}
	return urls, nil
}

// UploadURL implements transferengine.URLResolver.
func (r *Resolver) UploadURL() string {
	return r.uploadURL
}
