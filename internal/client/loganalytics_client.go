package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheetarchiver/api/internal/config"
)

// LogAnalyticsClient reads container output from a Log Analytics workspace
type LogAnalyticsClient struct {
	httpClient  *http.Client
	baseURL     string
	workspaceID string
	accessToken string
}

type logQueryRequest struct {
	Query string `json:"query"`
}

type logQueryResponse struct {
	Tables []struct {
		Rows [][]any `json:"rows"`
	} `json:"tables"`
}

// NewLogAnalyticsClient creates a new Log Analytics query client
func NewLogAnalyticsClient(cfg *config.LogAnalyticsConfig) *LogAnalyticsClient {
	return &LogAnalyticsClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		workspaceID: cfg.WorkspaceID,
		accessToken: cfg.AccessToken,
	}
}

// ContainerLogQuery selects the output lines of one container group in time order
func ContainerLogQuery(group string) string {
	return fmt.Sprintf(`ContainerInstanceLog_CL
| where ContainerGroup_s == '%s'
| order by TimeGenerated asc
| top 5000 by TimeGenerated asc
| project TimeGenerated, Message`, strings.ReplaceAll(group, "'", ""))
}

// FetchLogs returns the container group's output as "[timestamp] message"
// lines. An empty string means the workspace has no lines for it yet.
func (c *LogAnalyticsClient) FetchLogs(ctx context.Context, handle string) (string, error) {
	bodyBytes, err := json.Marshal(logQueryRequest{Query: ContainerLogQuery(handle)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/workspaces/%s/query", c.baseURL, url.PathEscape(c.workspaceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("log analytics query failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var qr logQueryResponse
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(qr.Tables) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, row := range qr.Tables[0].Rows {
		if len(row) < 2 {
			continue
		}
		fmt.Fprintf(&b, "[%v] %v\n", row[0], row[1])
	}
	return b.String(), nil
}

// IsConfigured returns true if the client has valid configuration
func (c *LogAnalyticsClient) IsConfigured() bool {
	return c.workspaceID != "" && c.accessToken != ""
}
