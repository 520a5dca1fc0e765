package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/target/postcron/internal/domain/model"
)

// PostAdmin is the operator surface over scheduled posts.
type PostAdmin interface {
	Create(ctx context.Context, req *model.CreatePostRequest) (*model.ScheduledPost, error)
	Get(ctx context.Context, id string) (*model.ScheduledPost, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*model.ScheduledPost, error)
	Retry(ctx context.Context, id string) (*model.ScheduledPost, error)
}

// PostHandlers serves the admin post endpoints.
type PostHandlers struct {
	Svc    PostAdmin
	Logger *slog.Logger
}

// Create schedules a new post.
func (h *PostHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePostRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	p, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger(), err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

// Get returns one post.
func (h *PostHandlers) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger(), err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// List returns an owner's posts, newest schedule first.
func (h *PostHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 0)
	posts, err := h.Svc.ListByOwner(r.Context(), r.URL.Query().Get("owner_id"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger(), err)
		return
	}
	if posts == nil {
		posts = []*model.ScheduledPost{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

// Retry requeues a failed post.
func (h *PostHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	p, err := h.Svc.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger(), err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *PostHandlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
