package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/klipach/roomchat/log"
	"golang.org/x/oauth2"
)

const (
	storageBaseURL      = "https://firebasestorage.googleapis.com/v0/b/"
	authorizationHeader = "Authorization"
	contentTypeHeader   = "Content-Type"
)

var ErrNoDownloadToken = errors.New("object has no download token")

type objectMetadata struct {
	Name           string `json:"name"`
	Bucket         string `json:"bucket"`
	ContentType    string `json:"contentType"`
	DownloadTokens string `json:"downloadTokens"`
}

// Client talks to the Firebase Storage REST API as the signed-in user, the way
// the mobile SDK does: upload by path, resolve a download URL by path.
type Client struct {
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
}

func NewClient(bucket string, tokens oauth2.TokenSource, httpClient *http.Client) *Client {
	return NewClientWithBaseURL(storageBaseURL+url.PathEscape(bucket)+"/o", tokens, httpClient)
}

func NewClientWithBaseURL(baseURL string, tokens oauth2.TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

// Upload stores r under p.
func (c *Client) Upload(ctx context.Context, p string, r io.Reader, contentType string) error {
	const op = "media.Upload"

	if err := ValidateImagePath(p); err != nil {
		return err
	}
	u := c.baseURL + "?uploadType=media&name=" + url.QueryEscape(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set(contentTypeHeader, contentType)

	if _, err := c.do(req); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DownloadURL returns a URL serving p that works without credentials.
func (c *Client) DownloadURL(ctx context.Context, p string) (string, error) {
	const op = "media.DownloadURL"

	objectURL := c.baseURL + "/" + url.PathEscape(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	body, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var meta objectMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	token, _, _ := strings.Cut(meta.DownloadTokens, ",")
	if token == "" {
		return "", fmt.Errorf("%s: %w: %s", op, ErrNoDownloadToken, p)
	}
	return objectURL + "?alt=media&token=" + url.QueryEscape(token), nil
}

// ResolveImage is DownloadURL falling back to the placeholder image. It
// returns "" only when the placeholder cannot be resolved either.
func (c *Client) ResolveImage(ctx context.Context, p string) string {
	logger := log.LoggerFromContext(ctx)

	u, err := c.DownloadURL(ctx, p)
	if err == nil {
		return u
	}
	logger.Warn("error while resolving image", slog.String("path", p), slog.String(log.ErrorMsgLogField, err.Error()))

	u, err = c.DownloadURL(ctx, PlaceholderImage)
	if err != nil {
		logger.Error("error while resolving placeholder image", slog.String(log.ErrorMsgLogField, err.Error()))
		return ""
	}
	return u
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	req.Header.Set(authorizationHeader, "Firebase "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrImageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return body, nil
}
