package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
)

// Router dispatches each post to the publisher registered for its platform.
type Router struct {
	publishers map[model.Platform]core.Publisher
}

var _ core.Publisher = (*Router)(nil)

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{publishers: make(map[model.Platform]core.Publisher)}
}

// Register binds p to platform, replacing any previous binding.
func (r *Router) Register(platform model.Platform, p core.Publisher) {
	if p == nil {
		delete(r.publishers, platform)
		return
	}
	r.publishers[platform] = p
}

// Platforms returns the number of registered platforms.
func (r *Router) Platforms() int {
	return len(r.publishers)
}

// Publish implements core.Publisher.
func (r *Router) Publish(ctx context.Context, post *model.ScheduledPost) (*model.PublishResult, error) {
	if post == nil {
		return nil, Permanent("", errors.New("post is nil"))
	}
	p, ok := r.publishers[post.Platform]
	if !ok {
		return nil, Permanent(post.Platform, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, post.Platform))
	}
	return p.Publish(ctx, post)
}
