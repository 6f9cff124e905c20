package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abdulachik/schedpost/internal/compose"
	"github.com/abdulachik/schedpost/internal/db"
	"github.com/abdulachik/schedpost/internal/poster"
	"github.com/gin-gonic/gin"
)

const (
	maxMediaBytes = 5 << 20
	maxListLimit  = 100
)

type postController struct {
	composer    Composer
	recentLimit int
	now         func() time.Time
}

// postView is a pending post as shown to its owner.
type postView struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	MediaIDs     []string  `json:"media_ids"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Attempts     int64     `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	InFlight     bool      `json:"in_flight"`
	CreatedAt    time.Time `json:"created_at"`
}

func newPostView(p *db.ScheduledPost, now time.Time) postView {
	return postView{
		ID:           p.ID,
		Content:      p.Content,
		MediaIDs:     p.MediaIDs,
		ScheduledFor: p.ScheduledFor,
		Attempts:     p.Attempts,
		LastError:    p.LastError.String,
		InFlight:     p.InFlight(now),
		CreatedAt:    p.CreatedAt,
	}
}

type createPostRequest struct {
	Content      string `form:"content" json:"content"`
	ScheduledFor string `form:"scheduled_for" json:"scheduled_for"`
}

// Create composes a post from a multipart form or a JSON body.
func (pc *postController) Create(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
		return
	}

	draft := compose.Draft{
		OwnerID: currentUser(c),
		Content: req.Content,
	}

	if s := strings.TrimSpace(req.ScheduledFor); s != "" {
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_for must be an RFC 3339 timestamp"})
			return
		}
		draft.ScheduledFor = &at
	}

	if form, err := c.MultipartForm(); err == nil {
		for _, fh := range form.File["media"] {
			m, err := readMedia(fh)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			draft.Media = append(draft.Media, m)
		}
	}

	res, err := pc.composer.Compose(c.Request.Context(), draft)
	if errors.Is(err, compose.ErrReceiptNotRecorded) {
		c.JSON(http.StatusCreated, gin.H{"delivered": res.Delivered, "warning": err.Error()})
		return
	}
	if err != nil {
		writeComposeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func readMedia(fh *multipart.FileHeader) (compose.Media, error) {
	if fh.Size > maxMediaBytes {
		return compose.Media{}, fmt.Errorf("media %s exceeds %d bytes", fh.Filename, maxMediaBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return compose.Media{}, fmt.Errorf("open media %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxMediaBytes+1))
	if err != nil {
		return compose.Media{}, fmt.Errorf("read media %s: %w", fh.Filename, err)
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return compose.Media{Data: data, MimeType: mimeType}, nil
}

func writeComposeError(c *gin.Context, err error) {
	var (
		verr   *compose.ValidationError
		pubErr *poster.PublishError
		upErr  *poster.UploadError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid draft", "fields": verr.Errors})
	case errors.As(err, &pubErr), errors.As(err, &upErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		slog.Error("compose failed", "user_id", currentUser(c), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create post"})
	}
}

// ListScheduled returns the caller's pending posts, soonest first.
func (pc *postController) ListScheduled(c *gin.Context) {
	posts, err := pc.composer.Pending(c.Request.Context(), currentUser(c))
	if err != nil {
		slog.Error("list scheduled posts failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list posts"})
		return
	}

	now := pc.now()
	views := make([]postView, 0, len(posts))
	for _, p := range posts {
		views = append(views, newPostView(p, now))
	}
	c.JSON(http.StatusOK, gin.H{"posts": views})
}

// Cancel deletes one of the caller's pending posts.
func (pc *postController) Cancel(c *gin.Context) {
	if err := pc.composer.Cancel(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		writePostError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendNow delivers one of the caller's pending posts immediately.
func (pc *postController) SendNow(c *gin.Context) {
	out, err := pc.composer.SendNow(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		writePostError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func writePostError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFoundOrForbidden):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, db.ErrPostInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("scheduled post operation failed", "post_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ListRecent returns the caller's delivered posts, newest first.
func (pc *postController) ListRecent(c *gin.Context) {
	limit := pc.recentLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := pc.composer.Recent(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		slog.Error("list recent posts failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list posts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": records})
}
