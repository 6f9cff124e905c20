package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
)

const (
	twitterAPIBaseURL    = "https://api.twitter.com"
	twitterUploadBaseURL = "https://upload.twitter.com"
)

// TwitterPoster posts to X (Twitter) with OAuth 1.0a user credentials.
type TwitterPoster struct {
	httpClient    *http.Client
	apiBaseURL    string
	uploadBaseURL string
}

// TwitterConfig holds configuration for the Twitter poster.
type TwitterConfig struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string

	// Overrides for tests; default to the public endpoints.
	APIBaseURL    string
	UploadBaseURL string
}

// NewTwitterPoster creates a new Twitter poster.
func NewTwitterPoster(cfg TwitterConfig) *TwitterPoster {
	oauthCfg := oauth1.NewConfig(cfg.APIKey, cfg.APISecret)
	token := oauth1.NewToken(cfg.AccessToken, cfg.AccessSecret)

	httpClient := oauthCfg.Client(context.Background(), token)
	httpClient.Timeout = 30 * time.Second

	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = twitterAPIBaseURL
	}
	uploadBase := cfg.UploadBaseURL
	if uploadBase == "" {
		uploadBase = twitterUploadBaseURL
	}

	return &TwitterPoster{
		httpClient:    httpClient,
		apiBaseURL:    strings.TrimRight(apiBase, "/"),
		uploadBaseURL: strings.TrimRight(uploadBase, "/"),
	}
}

// Platform returns the platform name.
func (t *TwitterPoster) Platform() string {
	return "twitter"
}

// tweetRequest is the request body for creating a tweet.
type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

// tweetResponse is the response from creating a tweet.
type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Submit publishes a tweet.
func (t *TwitterPoster) Submit(ctx context.Context, content string, mediaRefs []string) (string, error) {
	reqBody := tweetRequest{Text: content}
	if len(mediaRefs) > 0 {
		reqBody.Media = &tweetMedia{MediaIDs: mediaRefs}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &PublishError{Reason: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBaseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return "", &PublishError{Reason: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	status, respBody, err := t.do(req)
	if err != nil {
		return "", &PublishError{Reason: err.Error()}
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", &PublishError{Reason: reasonForStatus(status, respBody), StatusCode: status}
	}

	var created tweetResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", &PublishError{Reason: fmt.Sprintf("parse response: %v", err), StatusCode: status}
	}
	if created.Data.ID == "" {
		return "", &PublishError{Reason: "response has no tweet id", StatusCode: status}
	}

	slog.Info("posted to Twitter", "tweet_id", created.Data.ID, "media", len(mediaRefs))

	return created.Data.ID, nil
}

// mediaUploadResponse is the response from the v1.1 media upload endpoint.
type mediaUploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

// UploadMedia uploads an image with the simple (single request) upload flow.
func (t *TwitterPoster) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", &UploadError{Reason: "empty media"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="media"; filename="media"`)
	if mimeType != "" {
		header.Set("Content-Type", mimeType)
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return "", &UploadError{Reason: fmt.Sprintf("build form: %v", err)}
	}
	if _, err := part.Write(data); err != nil {
		return "", &UploadError{Reason: fmt.Sprintf("build form: %v", err)}
	}
	if err := w.Close(); err != nil {
		return "", &UploadError{Reason: fmt.Sprintf("build form: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.uploadBaseURL+"/1.1/media/upload.json", &buf)
	if err != nil {
		return "", &UploadError{Reason: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	status, respBody, err := t.do(req)
	if err != nil {
		return "", &UploadError{Reason: err.Error()}
	}
	if status < 200 || status >= 300 {
		return "", &UploadError{Reason: reasonForStatus(status, respBody), StatusCode: status}
	}

	var uploaded mediaUploadResponse
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return "", &UploadError{Reason: fmt.Sprintf("parse response: %v", err), StatusCode: status}
	}
	if uploaded.MediaIDString == "" {
		return "", &UploadError{Reason: "response has no media id", StatusCode: status}
	}

	slog.Debug("uploaded media to Twitter", "media_id", uploaded.MediaIDString, "bytes", len(data))

	return uploaded.MediaIDString, nil
}

// meResponse is the response from the authenticated user lookup.
type meResponse struct {
	Data struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"data"`
}

// ValidateCredentials looks up the authenticated user.
func (t *TwitterPoster) ValidateCredentials(ctx context.Context) (*Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBaseURL+"/2/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	status, respBody, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("validate credentials: %s", reasonForStatus(status, respBody))
	}

	var me meResponse
	if err := json.Unmarshal(respBody, &me); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	return &Account{
		ID:       me.Data.ID,
		Username: me.Data.Username,
		Name:     me.Data.Name,
	}, nil
}

func (t *TwitterPoster) do(req *http.Request) (int, []byte, error) {
	resp, err := t.httpClient.Do(req)
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
