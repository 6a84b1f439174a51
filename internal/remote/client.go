package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"digiqc/internal/domain"
)

var tracer = otel.Tracer("digiqc/internal/remote")

// TokenSource returns the bearer token for the current session, or "".
type TokenSource func(ctx context.Context) string

// Client talks to the inspection backend.
type Client struct {
	BaseURL    string
	TenantID   string
	Token      TokenSource
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  15 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type SaveResult struct {
	ID string `json:"id"`
}

// TenantUser is the backend's view of a signed-in inspector.
type TenantUser struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	TenantID  string `json:"tenant_id"`
}

type LoginRequest struct {
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	TenantID  string `json:"tenant_id"`
	LoginType string `json:"loginType"`
	OTP       string `json:"otp,omitempty"`
}

type VerifyResult struct {
	Token string     `json:"token"`
	User  TenantUser `json:"user"`
}

// SaveInspection posts a finished inspection. The payload id is stable, so a
// retried delivery of the same item is safe for the backend to de-duplicate.
func (c *Client) SaveInspection(ctx context.Context, p domain.InspectionPayload) (SaveResult, error) {
	ctx, span := tracer.Start(ctx, "remote.SaveInspection")
	defer span.End()
	span.SetAttributes(attribute.String("inspection.id", p.ID))

	var resp SaveResult
	err := c.do(ctx, http.MethodPost, "api/inspections", p, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	if resp.ID == "" {
		resp.ID = p.ID
	}
	return resp, nil
}

// UploadImage sends the file behind up.URI as multipart form data.
func (c *Client) UploadImage(ctx context.Context, up domain.ImageUpload) error {
	ctx, span := tracer.Start(ctx, "remote.UploadImage")
	defer span.End()

	path, err := LocalPath(up.URI)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image %s: %w", up.URI, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if up.QuestionID > 0 {
		if err := mw.WriteField("question_id", fmt.Sprint(up.QuestionID)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("api/inspections/%s/images", url.PathEscape(up.DraftID))
	if err := c.send(ctx, http.MethodPost, endpoint, mw.FormDataContentType(), &buf, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// LocalPath resolves a file:// URI or plain path to a filesystem path.
func LocalPath(uri string) (string, error) {
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("invalid image uri %q: %w", uri, err)
		}
		return u.Path, nil
	}
	if strings.Contains(uri, "://") {
		return "", fmt.Errorf("unsupported image uri %q", uri)
	}
	return uri, nil
}

// GetUserByIdentifier looks up a tenant user by email or phone.
func (c *Client) GetUserByIdentifier(ctx context.Context, identifier, loginType string) (TenantUser, error) {
	var resp TenantUser
	endpoint := fmt.Sprintf("api/tenant-users/%s/%s?tenant_id=%s", loginType, url.PathEscape(identifier), url.QueryEscape(c.TenantID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestOTP asks the backend to send a one-time code.
func (c *Client) RequestOTP(ctx context.Context, req LoginRequest) error {
	req.TenantID = c.TenantID
	req.OTP = ""
	return c.do(ctx, http.MethodPost, "api/tenant-users/login", req, nil)
}

// VerifyOTP exchanges a one-time code for a session token.
func (c *Client) VerifyOTP(ctx context.Context, req LoginRequest) (VerifyResult, error) {
	req.TenantID = c.TenantID
	var resp VerifyResult
	err := c.do(ctx, http.MethodPost, "api/tenant-users/verify-otp", req, &resp)
	return resp, err
}

// Ping reports whether the backend answers at all. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) bool {
	if c.BaseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base()+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("remote base url is not configured")
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.Token != nil {
		if tok := c.Token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
