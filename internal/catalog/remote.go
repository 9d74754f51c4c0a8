package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conductor/internal/logging"
)

// RemoteConfig configures the tool-server client.
type RemoteConfig struct {
	ServerURL string
	Timeout   time.Duration
}

// remoteClient speaks the tool-server wire format: POST <server>/<tool.name>
// with the args as a JSON object, response is the normalized result map.
type remoteClient struct {
	baseURL string
	http    *http.Client
}

func newRemoteClient(cfg RemoteConfig) *remoteClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &remoteClient{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (rc *remoteClient) call(ctx context.Context, tool string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args for %s: %w", tool, err)
	}

	url := rc.baseURL + "/" + tool
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := rc.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool server %s: %w", tool, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tool server %s: read response: %w", tool, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server %s: status %d: %s", tool, resp.StatusCode, truncate(string(body), 200))
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("tool server %s: parse response: %w", tool, err)
	}
	logging.ToolsDebug("remote %s completed in %v", tool, time.Since(start))
	return result, nil
}

// RemoteHandler returns a Handler that proxies the named tool to the server.
func RemoteHandler(cfg RemoteConfig, tool string) Handler {
	rc := newRemoteClient(cfg)
	return func(ctx context.Context, args map[string]any) (any, error) {
		return rc.call(ctx, tool, args)
	}
}

// remoteToolList is the discovery response from GET <server>/tools.
type remoteToolList struct {
	Tools []struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		ModeRequired string `json:"mode_required"`
	} `json:"tools"`
}

// RegisterRemote discovers the server's tools via GET <server>/tools and
// registers a proxy for each. When discovery fails, the fallback names are
// registered instead so the pipeline still has its research and memory tools.
func (c *Catalog) RegisterRemote(ctx context.Context, cfg RemoteConfig, fallback ...string) (int, error) {
	rc := newRemoteClient(cfg)

	names := map[string]Mode{}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.baseURL+"/tools", nil)
	if err != nil {
		return 0, err
	}
	resp, err := rc.http.Do(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		var list remoteToolList
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil && json.Unmarshal(body, &list) == nil {
			for _, t := range list.Tools {
				names[t.Name] = Mode(t.ModeRequired)
			}
		}
	} else if resp != nil {
		resp.Body.Close()
	}

	if len(names) == 0 {
		logging.Tools("tool-server discovery unavailable, registering %d fallback tools", len(fallback))
		for _, name := range fallback {
			names[name] = ModeAny
		}
	}

	count := 0
	for name, mode := range names {
		tool := name
		err := c.Override(&Tool{
			Name:         tool,
			Description:  "remote tool via " + rc.baseURL,
			ModeRequired: mode,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return rc.call(ctx, tool, args)
			},
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
