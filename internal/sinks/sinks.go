// Package sinks delivers processed calls to downstream players, alerting
// services, and detection endpoints. Every sink is best-effort: a failure is
// returned to the caller for logging and metrics but never stops the fan-out.
package sinks

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// rdioTimeLayout is the UTC timestamp format RDIO-style endpoints expect,
// with six fractional digits.
const rdioTimeLayout = "2006-01-02T15:04:05.000000Z"

// Client carries the HTTP clients and logger shared by the HTTP sinks.
type Client struct {
	http     *http.Client
	insecure *http.Client
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: 10 * time.Second},
		insecure: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: log.With().Str("component", "sinks").Logger(),
	}
}

// do issues the request and verifies a 2xx response, returning the response
// body's leading bytes in the error otherwise.
func (c *Client) do(client *http.Client, req *http.Request, sink string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", sink, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d: %s", sink, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// jsonRequest builds a POST carrying the marshaled body, leaving headers to
// the caller.
func jsonRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
}

// postJSON marshals body and POSTs it with an optional Authorization header.
func (c *Client) postJSON(ctx context.Context, client *http.Client, url, apiKey string, body any, sink string) error {
	req, err := jsonRequest(ctx, url, body)
	if err != nil {
		return fmt.Errorf("%s: %w", sink, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", apiKey)
	}
	return c.do(client, req, sink)
}

// postMultipart POSTs an assembled multipart body.
func (c *Client) postMultipart(ctx context.Context, url string, w *multipart.Writer, buf *bytes.Buffer, header http.Header, sink string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", sink, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return c.do(c.http, req, sink)
}

// attachBytes adds a file part with an explicit content type; CreateFormFile
// would force application/octet-stream.
func attachBytes(w *multipart.Writer, field, filename, contentType string, data []byte) error {
	part, err := filePart(w, field, filename, contentType)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

func filePart(w *multipart.Writer, field, filename, contentType string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(filename)))
	h.Set("Content-Type", contentType)
	return w.CreatePart(h)
}

// jsonArray renders v as a JSON array string, treating nil slices as empty.
func jsonArray(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}
