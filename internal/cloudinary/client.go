// Package cloudinary archives accepted attendance photos through Cloudinary's
// signed upload API.
package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.cloudinary.com"

// Client stores evidence photos in one Cloudinary folder.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	APIBase   string
	HTTP      *http.Client
	now       func() time.Time
}

// New creates a Cloudinary client.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		APIBase:   defaultAPIBase,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// Configured reports whether all credentials are present.
func (c *Client) Configured() bool {
	return c != nil && c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// Asset is the part of an upload response the archive keeps.
type Asset struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
}

// Link prefers the https delivery URL.
func (a Asset) Link() string {
	if a.SecureURL != "" {
		return a.SecureURL
	}
	return a.URL
}

// Store uploads image under publicID and returns its delivery URL. Storing
// the same publicID again replaces the asset, so a re-marked record keeps a
// single photo.
func (c *Client) Store(ctx context.Context, image []byte, publicID string) (string, error) {
	asset, err := c.upload(ctx, image, c.uploadParams(publicID))
	if err != nil {
		return "", err
	}
	return asset.Link(), nil
}

func (c *Client) uploadParams(publicID string) url.Values {
	v := url.Values{}
	v.Set("timestamp", strconv.FormatInt(c.now().Unix(), 10))
	if c.Folder != "" {
		v.Set("folder", c.Folder)
	}
	if publicID != "" {
		v.Set("public_id", publicID)
		v.Set("overwrite", "true")
	}
	v.Set("signature", signature(v, c.APISecret))
	v.Set("api_key", c.APIKey)
	return v
}

func (c *Client) upload(ctx context.Context, image []byte, params url.Values) (Asset, error) {
	body, contentType, err := evidenceForm(image, params)
	if err != nil {
		return Asset{}, err
	}

	endpoint := strings.TrimRight(c.APIBase, "/") + "/v1_1/" + url.PathEscape(c.CloudName) + "/image/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Asset{}, fmt.Errorf("cloudinary: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("cloudinary: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return Asset{}, fmt.Errorf("cloudinary: upload rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var asset Asset
	if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
		return Asset{}, fmt.Errorf("cloudinary: decode upload response: %w", err)
	}
	return asset, nil
}

func evidenceForm(image []byte, params url.Values) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k := range params {
		if err := w.WriteField(k, params.Get(k)); err != nil {
			return nil, "", fmt.Errorf("cloudinary: write field %s: %w", k, err)
		}
	}
	name := params.Get("public_id")
	if name == "" {
		name = "evidence"
	}
	part, err := w.CreateFormFile("file", name+".jpg")
	if err != nil {
		return nil, "", fmt.Errorf("cloudinary: create file part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("cloudinary: write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("cloudinary: close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// signature is the hex SHA-1 of the sorted, non-empty signed params joined
// as k=v&k=v with the secret appended. api_key and file are never signed.
func signature(params url.Values, secret string) string {
	signed := url.Values{}
	for k := range params {
		switch k {
		case "api_key", "file", "resource_type", "signature":
			continue
		}
		if v := params.Get(k); v != "" {
			signed.Set(k, v)
		}
	}
	// Encode sorts by key; the signature wants raw values.
	payload, _ := url.QueryUnescape(signed.Encode())
	sum := sha1.Sum([]byte(payload + secret))
	return hex.EncodeToString(sum[:])
}
