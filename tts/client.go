package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/valyala/fasthttp"
)

type Request struct {
	URL    string
	Header map[string]string
	Body   []byte
}

// Response carries the status and a body that can be read incrementally.
// The caller must close Body.
type Response struct {
	StatusCode int
	Body       io.ReadCloser
}

// StreamingClient performs synthesis POST requests.
type StreamingClient interface {
	Do(ctx context.Context, r *Request) (*Response, error)
}

const (
	bodyChunkSize = 32 * 1024
	// DefaultReadTimeout bounds a whole synthesis response, body included.
	DefaultReadTimeout = time.Minute
)

// FastHTTPClient is a StreamingClient on fasthttp with response streaming.
type FastHTTPClient struct {
	client *fasthttp.Client
}

func NewFastHTTPClient(client *fasthttp.Client) *FastHTTPClient {
	if client == nil {
		client = &fasthttp.Client{StreamResponseBody: true, ReadTimeout: DefaultReadTimeout}
	}
	return &FastHTTPClient{client: client}
}

func (c *FastHTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(r.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	req.SetBody(r.Body)

	errC := make(chan error, 1)
	go func() {
		errC <- c.client.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		go func() {
			if err := <-errC; err == nil {
				_ = resp.CloseBodyStream()
			}
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		return nil, ctx.Err()
	case err := <-errC:
		fasthttp.ReleaseRequest(req)
		if err != nil {
			fasthttp.ReleaseResponse(resp)
			return nil, fmt.Errorf("performing synthesis request: %w", err)
		}
	}

	var body io.Reader = resp.BodyStream()
	if body == nil {
		body = bytes.NewReader(append([]byte(nil), resp.Body()...))
	}
	bodyCtx, cancel := context.WithCancel(ctx)
	b := &fastBody{ctx: bodyCtx, cancel: cancel, chunks: make(chan bodyChunk)}
	go b.pump(body, resp)
	return &Response{StatusCode: resp.StatusCode(), Body: b}, nil
}

type bodyChunk struct {
	data []byte
	err  error
}

// fastBody hands the streamed body to Read through a pump goroutine, which
// owns the fasthttp response and releases it. Read returns as soon as the
// request context is done, even while the network read is stalled.
type fastBody struct {
	ctx    context.Context
	cancel context.CancelFunc
	chunks chan bodyChunk
	buf    []byte
	err    error
}

func (b *fastBody) pump(r io.Reader, resp *fasthttp.Response) {
	defer func() {
		_ = resp.CloseBodyStream()
		fasthttp.ReleaseResponse(resp)
	}()
	for {
		buf := make([]byte, bodyChunkSize)
		n, err := r.Read(buf)
		if n == 0 && err == nil {
			continue
		}
		select {
		case b.chunks <- bodyChunk{data: buf[:n], err: err}:
		case <-b.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (b *fastBody) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		select {
		case <-b.ctx.Done():
			b.err = b.ctx.Err()
			return 0, b.err
		case c := <-b.chunks:
			b.buf, b.err = c.data, c.err
		}
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	if n == 0 {
		return 0, b.err
	}
	return n, nil
}

// Close stops the pump; the response is released once its pending read
// returns.
func (b *fastBody) Close() error {
	b.cancel()
	return nil
}
