package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sheetarchiver/api/internal/config"
	"github.com/sheetarchiver/api/internal/monitor"
)

// ErrContainerNotFound is returned when the container group does not exist
var ErrContainerNotFound = errors.New("container group not found")

// ContainerClient manages container groups through the Azure Resource
// Manager REST API
type ContainerClient struct {
	httpClient     *http.Client
	baseURL        string
	subscriptionID string
	resourceGroup  string
	location       string
	apiVersion     string
	accessToken    string
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type containerProperties struct {
	Image                string   `json:"image"`
	Command              []string `json:"command,omitempty"`
	EnvironmentVariables []envVar `json:"environmentVariables,omitempty"`
	Resources            struct {
		Requests struct {
			CPU        float64 `json:"cpu"`
			MemoryInGB float64 `json:"memoryInGB"`
		} `json:"requests"`
	} `json:"resources"`
	InstanceView *struct {
		CurrentState struct {
			State    string `json:"state"`
			ExitCode *int   `json:"exitCode"`
		} `json:"currentState"`
	} `json:"instanceView,omitempty"`
}

type containerEntry struct {
	Name       string              `json:"name"`
	Properties containerProperties `json:"properties"`
}

type containerGroup struct {
	Location   string `json:"location,omitempty"`
	Properties struct {
		Containers    []containerEntry `json:"containers"`
		OSType        string           `json:"osType,omitempty"`
		RestartPolicy string           `json:"restartPolicy,omitempty"`
	} `json:"properties"`
}

// NewContainerClient creates a new container group client
func NewContainerClient(cfg *config.ContainerConfig) *ContainerClient {
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = "2023-05-01"
	}
	return &ContainerClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		subscriptionID: cfg.SubscriptionID,
		resourceGroup:  cfg.ResourceGroup,
		location:       cfg.Location,
		apiVersion:     apiVersion,
		accessToken:    cfg.AccessToken,
	}
}

// Create provisions a single-container group that never restarts and
// returns its name as the handle
func (c *ContainerClient) Create(ctx context.Context, spec monitor.ContainerSpec) (string, error) {
	var group containerGroup
	group.Location = c.location
	group.Properties.OSType = "Linux"
	group.Properties.RestartPolicy = "Never"

	var props containerProperties
	props.Image = spec.Image
	props.Command = spec.Command
	props.Resources.Requests.CPU = spec.CPU
	props.Resources.Requests.MemoryInGB = spec.MemoryGB
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		props.EnvironmentVariables = append(props.EnvironmentVariables, envVar{Name: k, Value: spec.Env[k]})
	}
	group.Properties.Containers = []containerEntry{{Name: "auto-archiver", Properties: props}}

	if err := c.do(ctx, http.MethodPut, spec.Name, group, nil); err != nil {
		return "", fmt.Errorf("create container group %s: %w", spec.Name, err)
	}
	return spec.Name, nil
}

// State reads the current state of the group's first container
func (c *ContainerClient) State(ctx context.Context, handle string) (monitor.ContainerState, error) {
	var group containerGroup
	if err := c.do(ctx, http.MethodGet, handle, nil, &group); err != nil {
		return monitor.ContainerState{}, err
	}
	if len(group.Properties.Containers) == 0 {
		return monitor.ContainerState{}, fmt.Errorf("container group %s has no containers", handle)
	}

	view := group.Properties.Containers[0].Properties.InstanceView
	if view == nil {
		return monitor.ContainerState{State: "Pending"}, nil
	}
	st := monitor.ContainerState{
		State:      view.CurrentState.State,
		Terminated: strings.EqualFold(view.CurrentState.State, "Terminated"),
	}
	if view.CurrentState.ExitCode != nil {
		st.ExitCode = *view.CurrentState.ExitCode
	}
	return st, nil
}

// Delete removes the container group. A group that is already gone counts as deleted.
func (c *ContainerClient) Delete(ctx context.Context, handle string) error {
	err := c.do(ctx, http.MethodDelete, handle, nil, nil)
	if errors.Is(err, ErrContainerNotFound) {
		return nil
	}
	return err
}

// IsConfigured returns true if the client has valid configuration
func (c *ContainerClient) IsConfigured() bool {
	return c.accessToken != "" && c.subscriptionID != "" && c.resourceGroup != ""
}

func (c *ContainerClient) do(ctx context.Context, method, name string, body, out any) error {
	endpoint := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ContainerInstance/containerGroups/%s?api-version=%s",
		c.baseURL, url.PathEscape(c.subscriptionID), url.PathEscape(c.resourceGroup), url.PathEscape(name), url.QueryEscape(c.apiVersion))

	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrContainerNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("container API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
