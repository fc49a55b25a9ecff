package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

// Client posts statement documents to the extraction service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(conf config.ServiceConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(conf.Url, "/"),
		apiKey:  conf.ApiKey,
		http:    &http.Client{Timeout: time.Duration(conf.TimeoutSec) * time.Second},
	}
}

// Extract uploads the document and returns the service's loosely typed payload. Use
// ParsePayload to turn it into a statement.
func (c *Client) Extract(ctx context.Context, filename string, document io.Reader) (map[string]interface{}, error) {
	ctx, span := otel.Tracer("Extraction").Start(ctx, "Extract statement document")
	defer span.End()

	if c.baseURL == "" {
		return nil, errors.New("extraction url is not configured")
	}

	body, contentType, err := multipartBody(filename, document)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", body)
	if err != nil {
		return nil, errors.Wrap(err, "build extraction request")
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call extraction service")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var payload map[string]interface{}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decode extraction response")
	}
	return payload, nil
}

func multipartBody(filename string, document io.Reader) (io.Reader, string, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, document); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(writer.Close())
	}()

	return pr, writer.FormDataContentType(), nil
}
