package stt

import (
	"context"
	"net"
	"testing"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTokenFetcher(t *testing.T, status int, body string) *TokenFetcher {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsPost() || string(ctx.Request.Header.Peek("xi-api-key")) != "key" {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		if string(ctx.Path()) != "/v1/single-use-token/realtime_scribe" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		ctx.SetStatusCode(status)
		ctx.SetBodyString(body)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	return &TokenFetcher{
		URL:    "http://tokens.test/v1/single-use-token/realtime_scribe",
		APIKey: "key",
		Client: &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }},
	}
}

func TestTokenFetcher(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		token  string
		code   shared.ErrorCode
	}{
		{name: "ok", status: 200, body: `{"token":"sutkn_abc"}`, token: "sutkn_abc"},
		{name: "unauthorized", status: 401, body: `{"detail":"bad key"}`, code: shared.CodeTokenExpired},
		{name: "rate limited", status: 429, code: shared.CodeRateLimited},
		{name: "server error", status: 500, code: shared.CodeSTTConnectionFailed},
		{name: "empty token", status: 200, body: `{}`, code: shared.CodeSTTConnectionFailed},
		{name: "malformed", status: 200, body: `nope`, code: shared.CodeSTTConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := newTokenFetcher(t, tt.status, tt.body).Fetch(context.Background())
			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.token, token)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, shared.CodeOf(err))
		})
	}
}

func TestTokenFetcherRequiresAPIKey(t *testing.T) {
	_, err := (&TokenFetcher{}).Fetch(context.Background())
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}

func TestTokenFetcherCancelled(t *testing.T) {
	f := newTokenFetcher(t, 200, `{"token":"x"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
