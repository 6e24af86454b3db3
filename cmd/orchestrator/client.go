package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiResponse mirrors internal/httpapi's own envelope; the CLI is a thin
// client over the External API, never a second implementation of it.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// httpStatusError carries the response status alongside the decoded
// apiResponse, so Execute can map it to an exit code via
// exitForHTTPStatus without re-parsing anything.
type httpStatusError struct {
	status int
	msg    string
}

func (e *httpStatusError) Error() string { return e.msg }

var httpClient = &http.Client{Timeout: 10 * time.Second}

func apiPost(path string, body any) (apiResponse, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apiResponse{}, argError("encode request: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	resp, err := httpClient.Post(apiAddr+path, "application/json", reader)
	if err != nil {
		return apiResponse{}, fmt.Errorf("contact orchestrator at %s: %w", apiAddr, err)
	}
	return decodeAPIResponse(resp)
}

func apiGet(path string) (apiResponse, error) {
	resp, err := httpClient.Get(apiAddr + path)
	if err != nil {
		return apiResponse{}, fmt.Errorf("contact orchestrator at %s: %w", apiAddr, err)
	}
	return decodeAPIResponse(resp)
}

func decodeAPIResponse(resp *http.Response) (apiResponse, error) {
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if !out.Success {
		return out, &httpStatusError{status: resp.StatusCode, msg: out.Error}
	}
	return out, nil
}
