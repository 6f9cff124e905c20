package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	blueskyBaseURL = "https://bsky.social/xrpc"
)

// BlueskyPoster posts to Bluesky via the AT Protocol.
type BlueskyPoster struct {
	httpClient  *http.Client
	baseURL     string
	handle      string
	appPassword string

	mu          sync.Mutex
	accessToken string
	did         string
}

// BlueskyConfig holds configuration for the Bluesky poster.
type BlueskyConfig struct {
	Handle      string
	AppPassword string
	BaseURL     string // defaults to the bsky.social XRPC endpoint
}

// NewBlueskyPoster creates a new Bluesky poster.
func NewBlueskyPoster(cfg BlueskyConfig) *BlueskyPoster {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = blueskyBaseURL
	}
	return &BlueskyPoster{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		handle:      cfg.Handle,
		appPassword: cfg.AppPassword,
	}
}

// Platform returns the platform name.
func (b *BlueskyPoster) Platform() string {
	return "bluesky"
}

// createSessionRequest is the request body for session creation.
type createSessionRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// createSessionResponse is the response from session creation.
type createSessionResponse struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// ValidateCredentials authenticates and returns the session account.
func (b *BlueskyPoster) ValidateCredentials(ctx context.Context) (*Account, error) {
	_, did, err := b.session(ctx)
	if err != nil {
		return nil, err
	}
	return &Account{ID: did, Username: b.handle}, nil
}

// session returns the access token and DID, creating a session on first use.
func (b *BlueskyPoster) session(ctx context.Context) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.accessToken != "" {
		return b.accessToken, b.did, nil
	}

	body, err := json.Marshal(createSessionRequest{
		Identifier: b.handle,
		Password:   b.appPassword,
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/com.atproto.server.createSession", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, respBody, err := b.do(req)
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("authentication failed: %s", reasonForStatus(status, respBody))
	}

	var session createSessionResponse
	if err := json.Unmarshal(respBody, &session); err != nil {
		return "", "", fmt.Errorf("parse response: %w", err)
	}
	if session.AccessJwt == "" || session.DID == "" {
		return "", "", fmt.Errorf("authentication failed: incomplete session")
	}

	b.accessToken = session.AccessJwt
	b.did = session.DID

	slog.Debug("authenticated with Bluesky",
		"handle", session.Handle,
		"did", session.DID,
	)

	return b.accessToken, b.did, nil
}

// resetSession drops a rejected token so the next call authenticates again.
func (b *BlueskyPoster) resetSession(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accessToken == token {
		b.accessToken = ""
		b.did = ""
	}
}

// sessionRejected reports whether a response refused the access token. An
// expired access JWT comes back as 400 ExpiredToken rather than 401.
func sessionRejected(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status != http.StatusBadRequest {
		return false
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	return parsed.Error == "ExpiredToken" || parsed.Error == "InvalidToken"
}

// send builds a request with the session credentials and runs it. A request
// refused for its token did not take effect, so it is retried once with a
// new session.
func (b *BlueskyPoster) send(ctx context.Context, build func(token, did string) (*http.Request, error)) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		token, did, err := b.session(ctx)
		if err != nil {
			return 0, nil, err
		}
		req, err := build(token, did)
		if err != nil {
			return 0, nil, err
		}

		status, body, err := b.do(req)
		if err != nil {
			return status, body, err
		}
		if !sessionRejected(status, body) {
			return status, body, nil
		}

		b.resetSession(token)
		if attempt > 0 {
			return status, body, nil
		}
		slog.Debug("Bluesky session rejected, authenticating again", "status", status)
	}
}

// createRecordRequest is the request body for creating a post.
type createRecordRequest struct {
	Repo       string     `json:"repo"`
	Collection string     `json:"collection"`
	Record     postRecord `json:"record"`
}

// postRecord represents a Bluesky post.
type postRecord struct {
	Type      string       `json:"$type"`
	Text      string       `json:"text"`
	CreatedAt string       `json:"createdAt"`
	Embed     *imagesEmbed `json:"embed,omitempty"`
}

type imagesEmbed struct {
	Type   string       `json:"$type"`
	Images []embedImage `json:"images"`
}

type embedImage struct {
	Alt   string          `json:"alt"`
	Image json.RawMessage `json:"image"`
}

// createRecordResponse is the response from creating a post.
type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Submit publishes a post. Media refs are blob objects returned by
// UploadMedia. The returned id is the record's AT URI.
func (b *BlueskyPoster) Submit(ctx context.Context, content string, mediaRefs []string) (string, error) {
	record := postRecord{
		Type:      "app.bsky.feed.post",
		Text:      content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if len(mediaRefs) > 0 {
		embed := &imagesEmbed{Type: "app.bsky.embed.images"}
		for _, ref := range mediaRefs {
			if !json.Valid([]byte(ref)) {
				return "", &PublishError{Reason: fmt.Sprintf("invalid media ref %q", ref)}
			}
			embed.Images = append(embed.Images, embedImage{Image: json.RawMessage(ref)})
		}
		record.Embed = embed
	}

	status, respBody, err := b.send(ctx, func(token, did string) (*http.Request, error) {
		body, err := json.Marshal(createRecordRequest{
			Repo:       did,
			Collection: "app.bsky.feed.post",
			Record:     record,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/com.atproto.repo.createRecord", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return "", &PublishError{Reason: err.Error()}
	}
	if status != http.StatusOK {
		return "", &PublishError{Reason: reasonForStatus(status, respBody), StatusCode: status}
	}

	var created createRecordResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", &PublishError{Reason: fmt.Sprintf("parse response: %v", err), StatusCode: status}
	}
	if created.URI == "" {
		return "", &PublishError{Reason: "response has no record uri", StatusCode: status}
	}

	slog.Info("posted to Bluesky",
		"uri", created.URI,
		"url", b.postURL(created.URI),
	)

	return created.URI, nil
}

// UploadMedia uploads a blob and returns its JSON blob object as the ref.
func (b *BlueskyPoster) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", &UploadError{Reason: "empty media"}
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	status, respBody, err := b.send(ctx, func(token, _ string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/com.atproto.repo.uploadBlob", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", mimeType)
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return "", &UploadError{Reason: err.Error()}
	}
	if status != http.StatusOK {
		return "", &UploadError{Reason: reasonForStatus(status, respBody), StatusCode: status}
	}

	var uploaded struct {
		Blob json.RawMessage `json:"blob"`
	}
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return "", &UploadError{Reason: fmt.Sprintf("parse response: %v", err), StatusCode: status}
	}
	if len(uploaded.Blob) == 0 || string(uploaded.Blob) == "null" {
		return "", &UploadError{Reason: "response has no blob", StatusCode: status}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, uploaded.Blob); err != nil {
		return "", &UploadError{Reason: fmt.Sprintf("parse blob: %v", err), StatusCode: status}
	}
	return compact.String(), nil
}

func (b *BlueskyPoster) do(req *http.Request) (int, []byte, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// postURL maps at://did/app.bsky.feed.post/rkey to the public web URL.
func (b *BlueskyPoster) postURL(uri string) string {
	parts := splitURI(uri)
	if len(parts) < 3 {
		return ""
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", b.handle, parts[len(parts)-1])
}

// splitURI splits an AT Protocol URI into parts.
func splitURI(uri string) []string {
	uri = strings.TrimPrefix(uri, "at://")
	var parts []string
	for _, p := range strings.Split(uri, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
