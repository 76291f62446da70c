package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"extrato-queue/internal/models"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StatusError is an unexpected HTTP answer from the queue server
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("queue server answered %d: %s", e.StatusCode, e.Body)
}

// Client talks to the agent endpoints of the queue server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new agent API client. httpClient may be nil.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// Next claims the next job. It returns nil when the queue is idle.
func (c *Client) Next(ctx context.Context) (*models.JobView, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/extrato/agent/next", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var job models.JobView
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode claimed job: %w", err)
	}
	return &job, nil
}

// Complete uploads the generated PDF as the multipart field "pdf"
func (c *Client) Complete(ctx context.Context, jobID int64, fileName string, pdf []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="pdf"; filename=%q`, fileName))
	h.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(pdf); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, jobPath(jobID, "complete"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

// Fail reports a generation failure for the job
func (c *Client) Fail(ctx context.Context, jobID int64, message string) error {
	form := url.Values{"message": []string{message}}
	req, err := c.newRequest(ctx, http.MethodPost, jobPath(jobID, "fail"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Agent-Token", c.token)
	return req, nil
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func jobPath(jobID int64, action string) string {
	return "/extrato/agent/" + strconv.FormatInt(jobID, 10) + "/" + action
}

// checkStatus maps error statuses back onto the shared error taxonomy
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	detail := strings.TrimSpace(string(raw))
	var body struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		detail = body.Detail
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		sentinel = models.ErrInvalidInput
	case http.StatusUnauthorized:
		sentinel = models.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = models.ErrForbidden
	case http.StatusNotFound:
		sentinel = models.ErrNotFound
	case http.StatusConflict:
		sentinel = models.ErrConflict
	case http.StatusTooManyRequests:
		sentinel = models.ErrRateLimited
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: detail}
	}
	return fmt.Errorf("%s: %w", detail, sentinel)
}
