package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ExtractResult is the embedding/liveness service response for one batch
// of capture images. The service averages per-frame embeddings and uses
// inter-frame variance as the liveness signal; DebugScore carries that
// variance for the relaxed fallback check.
type ExtractResult struct {
	Success    bool      `json:"success"`
	Vector     []float32 `json:"vector"`
	Liveness   bool      `json:"liveness"`
	DebugScore float64   `json:"debug_score"`
	Message    string    `json:"message"`
}

// Client calls the face embedding microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. skip short-circuits every call with mock data so
// the backend runs without the Python service during development.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second // embedding extraction can take a while
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// ExtractBatch sends a burst of base64 images and returns the pooled
// embedding plus the liveness verdict. A response with Success=false is
// not an error: it is the defined "no face" outcome.
func (c *Client) ExtractBatch(ctx context.Context, images []string) (*ExtractResult, error) {
	if c.Skip {
		return &ExtractResult{
			Success:    true,
			Vector:     []float32{0.1, 0.2, 0.3},
			Liveness:   true,
			DebugScore: 0.05,
		}, nil
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("image batch required")
	}

	body, _ := json.Marshal(map[string][]string{"images": images})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/extract_vector_batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out ExtractResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// Live applies the liveness policy to a response: the boolean verdict
// wins, with a relaxed numeric fallback when the boolean is false but
// the variance score stayed below relaxedMax.
func Live(res *ExtractResult, relaxedMax float64) bool {
	if res == nil {
		return false
	}
	if res.Liveness {
		return true
	}
	return res.DebugScore > 0 && res.DebugScore < relaxedMax
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
