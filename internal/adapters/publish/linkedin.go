package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
)

const (
	linkedInUGCPath     = "/v2/ugcPosts"
	linkedInShareKey    = "com.linkedin.ugc.ShareContent"
	linkedInVisibleKey  = "com.linkedin.ugc.MemberNetworkVisibility"
	linkedInRestLiIDHdr = "X-RestLi-Id"
	maxErrorBody        = 2048
)

// LinkedInOptions configures the LinkedIn publisher.
type LinkedInOptions struct {
	BaseURL     string
	Visibility  string
	Timeout     time.Duration
	Credentials core.CredentialStore
	Clock       core.Clock
	// Transport is the base round tripper under the OAuth2 transport.
	Transport http.RoundTripper
}

// LinkedIn publishes member shares through the UGC posts API.
type LinkedIn struct {
	baseURL     string
	visibility  string
	timeout     time.Duration
	credentials core.CredentialStore
	clock       core.Clock
	transport   http.RoundTripper
}

var _ core.Publisher = (*LinkedIn)(nil)

// NewLinkedIn creates a LinkedIn publisher.
func NewLinkedIn(opts LinkedInOptions) (*LinkedIn, error) {
	if opts.Credentials == nil {
		return nil, errors.New("linkedin publisher requires a credential store")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.linkedin.com"
	}
	visibility := strings.ToUpper(strings.TrimSpace(opts.Visibility))
	if visibility == "" {
		visibility = "PUBLIC"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LinkedIn{
		baseURL:     baseURL,
		visibility:  visibility,
		timeout:     timeout,
		credentials: opts.Credentials,
		clock:       clock,
		transport:   transport,
	}, nil
}

type ugcShareCommentary struct {
	Text string `json:"text"`
}

type ugcMedia struct {
	Status      string `json:"status"`
	Media       string `json:"media,omitempty"`
	OriginalURL string `json:"originalUrl,omitempty"`
}

type ugcShareContent struct {
	ShareCommentary    ugcShareCommentary `json:"shareCommentary"`
	ShareMediaCategory string             `json:"shareMediaCategory"`
	Media              []ugcMedia         `json:"media,omitempty"`
}

type ugcPost struct {
	Author          string                     `json:"author"`
	LifecycleState  string                     `json:"lifecycleState"`
	SpecificContent map[string]ugcShareContent `json:"specificContent"`
	Visibility      map[string]string          `json:"visibility"`
}

// Publish implements core.Publisher.
func (l *LinkedIn) Publish(ctx context.Context, post *model.ScheduledPost) (*model.PublishResult, error) {
	cred, err := l.credentials.GetCredential(ctx, post.OwnerID, model.PlatformLinkedIn)
	if err != nil {
		if errors.Is(err, model.ErrCredentialNotFound) {
			return nil, Permanent(model.PlatformLinkedIn, err)
		}
		return nil, Retryable(model.PlatformLinkedIn, fmt.Errorf("load credential: %w", err))
	}
	if cred.Expired(l.clock.Now()) {
		return nil, Permanent(model.PlatformLinkedIn, errors.New("access token expired"))
	}

	body, err := json.Marshal(l.buildShare(post, cred))
	if err != nil {
		return nil, Permanent(model.PlatformLinkedIn, fmt.Errorf("encode share: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+linkedInUGCPath, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(model.PlatformLinkedIn, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	client := &http.Client{
		Timeout: l.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"}),
			Base:   l.transport,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Retryable(model.PlatformLinkedIn, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{
			Platform:   model.PlatformLinkedIn,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("linkedin rejected share: %s", strings.TrimSpace(string(snippet))),
		}
	}

	id := resp.Header.Get(linkedInRestLiIDHdr)
	if id == "" {
		var out struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&out); err == nil {
			id = out.ID
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return &model.PublishResult{ExternalPostID: id}, nil
}

func (l *LinkedIn) buildShare(post *model.ScheduledPost, cred *model.SocialCredential) ugcPost {
	content := ugcShareContent{
		ShareCommentary:    ugcShareCommentary{Text: post.Content},
		ShareMediaCategory: "NONE",
	}
	switch post.Type {
	case model.PostTypeImage, model.PostTypeCarousel:
		// Images hold registered digital media asset URNs.
		if len(post.Images) > 0 {
			content.ShareMediaCategory = "IMAGE"
			for _, urn := range post.Images {
				content.Media = append(content.Media, ugcMedia{Status: "READY", Media: urn})
			}
		}
	case model.PostTypeArticle:
		if len(post.Images) > 0 {
			content.ShareMediaCategory = "ARTICLE"
			content.Media = []ugcMedia{{Status: "READY", OriginalURL: post.Images[0]}}
		}
	}

	return ugcPost{
		Author:          cred.MemberURN,
		LifecycleState:  "PUBLISHED",
		SpecificContent: map[string]ugcShareContent{linkedInShareKey: content},
		Visibility:      map[string]string{linkedInVisibleKey: l.visibility},
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
