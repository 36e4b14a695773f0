package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tunequeue/tunequeue/pkg/types"
)

// ManagerClient is the Worker daemon's HTTP client for the Manager's
// worker endpoints: register, unregister and bump_ka. The long-lived
// RPC stream is pkg/channel's job, not this client's; keeping KA on its
// own plain-HTTP path means a broken RPC socket cannot starve the
// Manager's timeout detector.
type ManagerClient struct {
	baseURL string
	http    *http.Client
}

// NewManagerClient wraps a Manager base URL such as
// "http://mgr.example:8080".
func NewManagerClient(baseURL string) *ManagerClient {
	return &ManagerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL returns the Manager base URL this client was built with.
func (c *ManagerClient) BaseURL() string { return c.baseURL }

type registerRequest struct {
	Name     string `json:"name"`
	Version  int64  `json:"version"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memoryMB"`
}

type registerReply struct {
	Result       string `json:"result"`
	SessionToken uint64 `json:"session_token"`
}

type authRequest struct {
	Name         string `json:"name"`
	SessionToken uint64 `json:"session_token"`
}

type resultReply struct {
	Result string `json:"result"`
}

// Register announces this Worker to the Manager and returns the issued
// session token.
func (c *ManagerClient) Register(name string, version int64, cpus, memoryMB int) (uint64, error) {
	var reply registerReply
	err := c.post(http.MethodPost, "/worker/register",
		registerRequest{Name: name, Version: version, CPUs: cpus, MemoryMB: memoryMB}, &reply)
	if err != nil {
		return 0, err
	}
	if reply.Result != string(types.Success) {
		return 0, fmt.Errorf("register rejected: %s", reply.Result)
	}
	return reply.SessionToken, nil
}

// Unregister performs a single authenticated unregister attempt. The
// daemon wraps it in the unregister_retries / retry_timestep loop.
func (c *ManagerClient) Unregister(name string, token uint64) error {
	var reply resultReply
	err := c.post(http.MethodDelete, "/worker/unregister",
		authRequest{Name: name, SessionToken: token}, &reply)
	if err != nil {
		return err
	}
	if reply.Result != string(types.Success) {
		return fmt.Errorf("unregister rejected: %s", reply.Result)
	}
	return nil
}

// BumpKeepAlive posts an authenticated keep-alive.
func (c *ManagerClient) BumpKeepAlive(name string, token uint64) error {
	var reply resultReply
	err := c.post(http.MethodPost, "/worker/bump_ka",
		authRequest{Name: name, SessionToken: token}, &reply)
	if err != nil {
		return err
	}
	if reply.Result != string(types.Success) {
		return fmt.Errorf("bump_ka rejected: %s", reply.Result)
	}
	return nil
}

func (c *ManagerClient) post(method, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
