package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	goahttp "goa.design/goa/v3/http"
)

type startPayload struct {
	Source    string `json:"source"`
	ClipSize  *int   `json:"clip_size,omitempty"`
	Memory    *int   `json:"memory,omitempty"`
	Threshold *int   `json:"threshold,omitempty"`
}

type client struct {
	base  string
	token string
	doer  goahttp.Doer
	debug bool
}

func newClient(base, token string, timeout int, debug bool) *client {
	var (
		doer goahttp.Doer
	)
	{
		doer = &http.Client{Timeout: time.Duration(timeout) * time.Second}
		if debug {
			doer = goahttp.NewDebugDoer(doer)
		}
	}
	return &client{base: base, token: token, doer: doer, debug: debug}
}

// do sends body as JSON and decodes the JSON response.
func (c *client) do(method, path string, body any) (any, error) {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if body != nil {
		if err := goahttp.RequestEncoder(req).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if c.debug {
		if dd, ok := c.doer.(goahttp.DebugDoer); ok {
			dd.Fprint(os.Stderr)
		}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var out any
	if err := goahttp.ResponseDecoder(resp).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s: %v", method, path, resp.Status, out)
	}
	return out, nil
}
