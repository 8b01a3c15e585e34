package clientapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RemoteError is a non-success answer from the endorser or an EHR.
type RemoteError struct {
	Method string
	URL    string
	Status int
	Body   []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.Status, strings.TrimSpace(string(e.Body)))
}

// Response is a raw upstream answer relayed to the app's own callers.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type httpClient struct {
	client *http.Client
}

// do sends body (JSON when non-nil) and returns the raw response.
func (h httpClient) do(ctx context.Context, method, u string, body interface{}) (*Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", u, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, u, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return h.send(req)
}

func (h httpClient) postForm(ctx context.Context, u string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request POST %s: %w", u, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return h.send(req)
}

func (h httpClient) send(req *http.Request) (*Response, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", req.Method, req.URL, err)
	}
	return &Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: data}, nil
}

// call requires a 2xx answer and decodes its JSON body into v.
func (h httpClient) call(ctx context.Context, method, u string, body, v interface{}) error {
	resp, err := h.do(ctx, method, u, body)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return &RemoteError{Method: method, URL: u, Status: resp.Status, Body: resp.Body}
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, u, err)
	}
	return nil
}
