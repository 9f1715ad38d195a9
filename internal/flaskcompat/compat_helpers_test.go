package flaskcompat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:5000"
	defaultRequestTimeout = 2 * time.Second
)

type compatClient struct {
	baseURL string
	client  *http.Client
}

func newCompatClient(t *testing.T) *compatClient {
	t.Helper()
	baseURL := os.Getenv("SENTRY_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/health") {
		t.Skipf("sentry server not reachable at %s (set SENTRY_BASE_URL to run)", baseURL)
	}

	return &compatClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *compatClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *compatClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *compatClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				event := string(buf[:idx])
				return event, resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
		select {
		case <-ctx.Done():
			return "", nil, fmt.Errorf("timeout waiting for sse event")
		default:
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	lines := strings.Split(event, "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func decodeJSONSlice(t *testing.T, body []byte) []any {
	t.Helper()
	var payload []any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json array: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertEvidenceRecord(t *testing.T, raw any, field string) {
	t.Helper()
	rec := requireMap(t, raw, field)
	id := requireNumber(t, rec["id"], field+".id")
	if id < 1 {
		t.Fatalf("%s.id = %v, want >= 1", field, id)
	}
	ts := requireString(t, rec["timestamp"], field+".timestamp")
	if _, err := time.ParseInLocation(time.ANSIC, ts, time.Local); err != nil {
		t.Fatalf("%s.timestamp %q is not ctime: %v", field, ts, err)
	}
	img := requireString(t, rec["image"], field+".image")
	data, err := base64.StdEncoding.DecodeString(img)
	if err != nil {
		t.Fatalf("%s.image is not base64: %v", field, err)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatalf("%s.image is not a JPEG", field)
	}
}

func assertCameraStats(t *testing.T, raw any, field string) {
	t.Helper()
	cam := requireMap(t, raw, field)
	requireString(t, cam["name"], field+".name")
	requireNumber(t, cam["frames_processed"], field+".frames_processed")
	requireNumber(t, cam["current_fps"], field+".current_fps")
	requireNumber(t, cam["suspicious"], field+".suspicious")
	requireNumber(t, cam["allowed"], field+".allowed")
	requireString(t, cam["condition"], field+".condition")
	state := requireMap(t, cam["alert_state"], field+".alert_state")
	if _, ok := state["signal_active"].(bool); !ok {
		t.Fatalf("expected %s.alert_state.signal_active to be bool", field)
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	cameras := requireSlice(t, payload["cameras"], "cameras")
	if len(cameras) == 0 {
		t.Fatalf("status lists no cameras")
	}
	for i, raw := range cameras {
		assertCameraStats(t, raw, fmt.Sprintf("cameras[%d]", i))
	}

	alerts := requireSlice(t, payload["recent_alerts"], "recent_alerts")
	for i, raw := range alerts {
		alert := requireMap(t, raw, fmt.Sprintf("recent_alerts[%d]", i))
		requireString(t, alert["camera"], "recent_alerts.camera")
		requireString(t, alert["message"], "recent_alerts.message")
		requireNumber(t, alert["suspicious_count"], "recent_alerts.suspicious_count")
	}

	requireNumber(t, payload["uptime_seconds"], "uptime_seconds")
	requireNumber(t, payload["timestamp"], "timestamp")
}
