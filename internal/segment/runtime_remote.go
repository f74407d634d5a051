package segment

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

const remoteRemovePath = "/api/remove"

// RemoteRuntime calls a rembg compatible HTTP server. The server receives the
// image as the multipart field "file" and answers with a PNG cut-out.
type RemoteRuntime struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewRemoteRuntime(_ context.Context, cfg ModelConfig) (*RemoteRuntime, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse model endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("model endpoint must be http or https, got %q", endpoint)
	}
	if !strings.HasSuffix(u.Path, remoteRemovePath) {
		u.Path = strings.TrimRight(u.Path, "/") + remoteRemovePath
	}

	return &RemoteRuntime{
		endpoint: u.String(),
		model:    cfg.Name,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (r *RemoteRuntime) Infer(ctx context.Context, in Input) (image.Image, error) {
	payload, err := inputBytes(in)
	if err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if r.model != "" {
		if err := writer.WriteField("model", r.model); err != nil {
			return nil, fmt.Errorf("write model field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "image/png")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", r.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	return img, nil
}

func (r *RemoteRuntime) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func inputBytes(in Input) ([]byte, error) {
	if len(in.Bytes) > 0 {
		return in.Bytes, nil
	}
	if in.Image == nil {
		return nil, fmt.Errorf("input %q carries no data", in.Kind)
	}
	var buf bytes.Buffer
	if err := stagingEncoder.Encode(&buf, in.Image); err != nil {
		return nil, fmt.Errorf("encode %s input: %w", in.Kind, err)
	}
	return buf.Bytes(), nil
}
