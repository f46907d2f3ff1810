package dispatch

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/stream"
)

const httpChunkSize = 8 * 1024

func buildHTTPRequest(ctx context.Context, req hostcall.Request) (*http.Request, error) {
	url, ok := payloadString(req.Payload, "url")
	if !ok || url == "" {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "http requires a url")
	}
	method, _ := payloadString(req.Payload, "method")
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if raw, ok := payloadString(req.Payload, "body"); ok && raw != "" {
		body = strings.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "http request: %v", err)
	}
	for k, v := range payloadStringMap(req.Payload, "headers") {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// doWithRetry issues the request, retrying exactly once on a transport error
// when the method is idempotent. Response errors (4xx, 5xx) are results, not
// errors, and are never retried.
func (d *Dispatcher) doWithRetry(req *http.Request) (*http.Response, error) {
	resp, err := d.cfg.HTTP.Do(req)
	if err == nil {
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, req.Context().Err()
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		if req.GetBody == nil && req.Body == nil {
			return d.cfg.HTTP.Do(req.Clone(req.Context()))
		}
	}
	return nil, err
}

// handleHTTP issues the request and returns status, headers, and the full
// body.
func (d *Dispatcher) handleHTTP(ctx context.Context, req hostcall.Request) (any, error) {
	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := d.doWithRetry(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, hostcall.NewError(hostcall.CodeIO, "http %s: %v", httpReq.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, hostcall.NewError(hostcall.CodeIO, "read body: %v", err)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headerMap(resp.Header),
		"body":    string(body),
	}, nil
}

// streamHTTP yields the response as chunks. The first chunk carries status
// and headers; body chunks follow; the sentinel closes the stream.
func (d *Dispatcher) streamHTTP(ctx context.Context, st *stream.Stream, req hostcall.Request) error {
	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return err
	}
	resp, err := d.doWithRetry(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil // stream cancellation already finalized
		}
		return hostcall.NewError(hostcall.CodeIO, "http %s: %v", httpReq.URL, err)
	}
	defer resp.Body.Close()

	err = st.Send(ctx, map[string]any{
		"status":  resp.StatusCode,
		"headers": headerMap(resp.Header),
	})
	if err != nil {
		return streamSendErr(err)
	}

	buf := make([]byte, httpChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := st.Send(ctx, map[string]any{"body": string(buf[:n])}); err != nil {
				return streamSendErr(err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return hostcall.NewError(hostcall.CodeIO, "read body: %v", readErr)
		}
	}
	st.Close(nil)
	return nil
}

func streamSendErr(err error) error {
	if err == stream.ErrStalled || err == stream.ErrClosed {
		return nil // finalized through the sentinel path
	}
	return err
}
