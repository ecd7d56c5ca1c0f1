package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ContainerClient calls the container lifecycle manager that runs the
// automation agent images.
type ContainerClient struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

// NewContainerClient creates a new container manager client
func NewContainerClient(baseURL, adminKey string) *ContainerClient {
	return &ContainerClient{
		baseURL:  baseURL,
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// AcquireSpec describes the container to start.
type AcquireSpec struct {
	ProvisionID string `json:"provision_id"`
	Image       string `json:"image"`
	HostPort    int    `json:"host_port"`
}

// ContainerHandle identifies a running container and the automation agent
// endpoint inside it.
type ContainerHandle struct {
	Handle   string `json:"handle"`
	Endpoint string `json:"endpoint"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Acquire starts a container and waits for its agent to come up.
func (c *ContainerClient) Acquire(ctx context.Context, spec AcquireSpec, readyTimeout time.Duration) (*ContainerHandle, error) {
	log.Printf("[ContainerClient] Acquiring container (provision: %s, port: %d)", spec.ProvisionID, spec.HostPort)

	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/containers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Admin-Key", c.adminKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var handle ContainerHandle
	if err := json.Unmarshal(respBody, &handle); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("container manager returned status %d: %s", resp.StatusCode, handle.Error)
	}

	if handle.Status != "running" {
		ready, err := c.waitForRunning(ctx, handle.Handle, readyTimeout)
		if err != nil {
			return nil, err
		}
		handle = *ready
	}

	log.Printf("[ContainerClient] Container acquired: %s (endpoint: %s)", handle.Handle, handle.Endpoint)
	return &handle, nil
}

// Get returns container state by handle.
func (c *ContainerClient) Get(ctx context.Context, handle string) (*ContainerHandle, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/containers/"+handle, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("X-Admin-Key", c.adminKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("container not found: %s", handle)
	}

	var result ContainerHandle
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("container manager returned status %d", resp.StatusCode)
	}

	return &result, nil
}

// Release tears a container down. Safe to call on an already-released
// handle.
func (c *ContainerClient) Release(ctx context.Context, handle string) error {
	log.Printf("[ContainerClient] Releasing container: %s", handle)

	httpReq, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+"/api/containers/"+handle, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("X-Admin-Key", c.adminKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("container manager returned status %d", resp.StatusCode)
	}

	return nil
}

// waitForRunning polls until the container reports running or failed.
func (c *ContainerClient) waitForRunning(ctx context.Context, handle string, maxWait time.Duration) (*ContainerHandle, error) {
	log.Printf("[ContainerClient] Waiting for container %s to run (max %v)", handle, maxWait)

	deadline := time.Now().Add(maxWait)
	pollInterval := 3 * time.Second

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		state, err := c.Get(ctx, handle)
		if err != nil {
			log.Printf("[ContainerClient] Error getting container state: %v", err)
			continue
		}

		switch state.Status {
		case "running":
			return state, nil
		case "failed", "exited":
			return nil, fmt.Errorf("container failed to start: %s", state.Error)
		}
	}

	return nil, fmt.Errorf("timeout waiting for container to run")
}
