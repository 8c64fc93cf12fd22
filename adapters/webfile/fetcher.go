// Package webfile loads small files, such as the server config, over http(s).
package webfile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrRequest = fmt.Errorf("request failed")

const maxFileSize = 1 << 20

type Fetcher struct {
	url string
	cl  http.Client
}

func NewFetcher(url string) *Fetcher {
	return &Fetcher{url: url, cl: http.Client{Timeout: 10 * time.Second}}
}

func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.cl.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("err: %w status code %d", ErrRequest, resp.StatusCode)
	}
	bts, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(bts) > maxFileSize {
		return nil, fmt.Errorf("err: %w file larger than %d bytes", ErrRequest, maxFileSize)
	}
	return bts, nil
}
