package stt

import (
	"context"
	"fmt"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

const DefaultTokenURL = "https://api.elevenlabs.io/v1/single-use-token/realtime_scribe"

// TokenFetcher exchanges an API key for a single-use recognition token.
type TokenFetcher struct {
	URL    string
	APIKey string
	Client *fasthttp.Client
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (f *TokenFetcher) Fetch(ctx context.Context) (string, error) {
	if f.APIKey == "" {
		return "", shared.NewError(shared.CodeSTTAuthFailed, "", shared.ErrNoAPIKey)
	}
	if err := ctx.Err(); err != nil {
		return "", shared.NewError(shared.CodeNetworkError, "token request cancelled", err)
	}
	url := f.URL
	if url == "" {
		url = DefaultTokenURL
	}
	client := f.Client
	if client == nil {
		client = &fasthttp.Client{}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("xi-api-key", f.APIKey)

	errC := make(chan error, 1)
	go func() {
		errC <- client.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		go func() {
			<-errC
			release()
		}()
		return "", shared.NewError(shared.CodeNetworkError, "token request cancelled", ctx.Err())
	case err := <-errC:
		defer release()
		if err != nil {
			return "", shared.NewError(shared.CodeNetworkError, "", fmt.Errorf("performing token request: %w", err))
		}
	}

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusUnauthorized:
		return "", shared.NewError(shared.CodeTokenExpired, "", fmt.Errorf("token request: status %d", status))
	case status == fasthttp.StatusTooManyRequests:
		return "", shared.NewError(shared.CodeRateLimited, "", fmt.Errorf("token request: status %d", status))
	case status < 200 || status >= 300:
		return "", shared.NewError(
			shared.CodeSTTConnectionFailed,
			fmt.Sprintf("token request failed with status %d", status),
			fmt.Errorf("body: %s", resp.Body()),
		)
	}
	var tr tokenResponse
	if err := sonic.Unmarshal(resp.Body(), &tr); err != nil {
		return "", shared.NewError(shared.CodeSTTConnectionFailed, "malformed token response", err)
	}
	if tr.Token == "" {
		return "", shared.NewError(shared.CodeSTTConnectionFailed, "empty token in response", nil)
	}
	return tr.Token, nil
}
