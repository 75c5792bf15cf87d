package cloudinary

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client uploads evidence images to Cloudinary using their REST API. It
// satisfies the imagestore.Store interface so deployments can keep
// attendance pictures off the application host.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	HTTP      *http.Client
}

// New creates a Cloudinary client. Folder is the root folder; the
// imagestore folder argument is appended per upload.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

// uploadResult holds the response from Cloudinary after a successful upload.
type uploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
}

// SaveBase64 uploads a base64 image and returns its public URL. The
// public ID is prefix plus the capture timestamp, mirroring the local
// store's naming so records reference comparable paths.
func (c *Client) SaveBase64(folder, prefix, data string, at time.Time) (string, error) {
	if at.IsZero() {
		at = time.Now()
	}
	if !strings.HasPrefix(data, "data:") {
		data = "data:image/jpeg;base64," + data
	}

	params := map[string]string{
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		"api_key":   c.APIKey,
		"folder":    c.folderPath(folder),
		"public_id": fmt.Sprintf("%s_%d", prefix, at.UnixMilli()),
	}
	params["signature"] = c.sign(params)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		_ = w.WriteField(k, v)
	}
	// Cloudinary accepts data URIs directly via the "file" param.
	_ = w.WriteField("file", data)
	w.Close()

	url := fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/image/upload", c.CloudName)
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("cloudinary: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloudinary: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("cloudinary: upload failed (%d): %s", resp.StatusCode, string(body))
	}

	var result uploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("cloudinary: decode response failed: %w", err)
	}
	return result.SecureURL, nil
}

// DeletePrefix deletes previously uploaded images under folder whose
// public ID starts with prefix, via the delete_resources_by_prefix
// admin endpoint.
func (c *Client) DeletePrefix(folder, prefix string) error {
	full := c.folderPath(folder) + "/" + prefix
	url := fmt.Sprintf("https://%s:%s@api.cloudinary.com/v1_1/%s/resources/image/upload?prefix=%s",
		c.APIKey, c.APISecret, c.CloudName, full)

	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("cloudinary: create delete request failed: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("cloudinary: delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cloudinary: delete failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) folderPath(folder string) string {
	if c.Folder == "" {
		return folder
	}
	return c.Folder + "/" + folder
}

// sign computes the Cloudinary API signature from the given params.
// Cloudinary excludes api_key and file from the signature.
func (c *Client) sign(params map[string]string) string {
	excludeKeys := map[string]bool{"api_key": true, "file": true, "resource_type": true}

	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !excludeKeys[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)

	payload := strings.Join(pairs, "&") + c.APISecret
	h := sha1.New()
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}
