// Package testutil provides testing utilities and helpers for the postcron delivery pipeline.
package testutil

import (
	"time"

	"github.com/target/postcron/internal/domain/model"
)

// TestOwnerID is a stable owner used across tests.
const TestOwnerID = "6f1c2b9e-8a51-4c7d-9f3e-2d4b7a1e5c90"

// PostRequestBuilder provides a fluent interface for building CreatePostRequest objects for testing.
type PostRequestBuilder struct {
	req *model.CreatePostRequest
}

// NewPostRequest creates a new PostRequestBuilder with sensible defaults.
func NewPostRequest() *PostRequestBuilder {
	return &PostRequestBuilder{
		req: &model.CreatePostRequest{
			OwnerID:      TestOwnerID,
			Content:      "Shipping the quarterly roadmap today.",
			Platform:     model.PlatformLinkedIn,
			Type:         model.PostTypeText,
			ScheduledFor: TestTime(),
			MaxRetries:   model.DefaultMaxRetries,
		},
	}
}

// WithOwner sets the owner id.
func (b *PostRequestBuilder) WithOwner(owner string) *PostRequestBuilder {
	b.req.OwnerID = owner
	return b
}

// WithContent sets the post text.
func (b *PostRequestBuilder) WithContent(content string) *PostRequestBuilder {
	b.req.Content = content
	return b
}

// WithImages sets the image references and switches the type to image or carousel.
func (b *PostRequestBuilder) WithImages(images ...string) *PostRequestBuilder {
	b.req.Images = images
	switch {
	case len(images) > 1:
		b.req.Type = model.PostTypeCarousel
	case len(images) == 1:
		b.req.Type = model.PostTypeImage
	}
	return b
}

// WithPlatform sets the platform.
func (b *PostRequestBuilder) WithPlatform(p model.Platform) *PostRequestBuilder {
	b.req.Platform = p
	return b
}

// WithScheduledFor sets the scheduled instant.
func (b *PostRequestBuilder) WithScheduledFor(at time.Time) *PostRequestBuilder {
	b.req.ScheduledFor = at
	return b
}

// WithMaxRetries sets the retry cap.
func (b *PostRequestBuilder) WithMaxRetries(n int) *PostRequestBuilder {
	b.req.MaxRetries = n
	return b
}

// Build returns the CreatePostRequest.
func (b *PostRequestBuilder) Build() *model.CreatePostRequest {
	req := *b.req
	return &req
}

// TestTime returns a fixed time for testing.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// StringPtr returns a pointer to the given string value.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to the given time value.
func TimePtr(t time.Time) *time.Time {
	return &t
}
