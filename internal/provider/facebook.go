package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"replybot/internal/domain"
)

// Facebook publishes posts through the Graph API. With an image reference it
// uploads to /me/photos, otherwise it posts text to /me/feed.
type Facebook struct {
	accessToken string
	apiBase     string
	client      *http.Client
	logger      *slog.Logger
}

type FacebookConfig struct {
	AccessToken string
	APIBase     string
	Logger      *slog.Logger
}

func NewFacebook(cfg FacebookConfig) *Facebook {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://graph.facebook.com/v17.0"
	}
	return &Facebook{
		accessToken: cfg.AccessToken,
		apiBase:     cfg.APIBase,
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		logger:      cfg.Logger,
	}
}

func (f *Facebook) Name() string                  { return "facebook" }
func (f *Facebook) Capability() domain.Capability { return domain.CapabilitySocial }

type fbPostResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

func (f *Facebook) Invoke(ctx context.Context, params domain.Params) (*domain.Result, error) {
	content := params["content"]
	if content == "" {
		return nil, domain.NewCapabilityError(f.Name(), domain.KindBadInput, fmt.Errorf("empty content"))
	}

	endpoint := f.apiBase + "/me/feed"
	form := url.Values{}
	form.Set("message", content)
	form.Set("access_token", f.accessToken)

	if imageRef := params["image_reference"]; imageRef != "" {
		// Local image references are published as a photo post with the
		// content as caption. Remote references go through the url field.
		endpoint = f.apiBase + "/me/photos"
		if strings.HasPrefix(imageRef, "http://") || strings.HasPrefix(imageRef, "https://") {
			form.Set("url", imageRef)
		} else {
			if _, err := os.Stat(imageRef); err != nil {
				return nil, domain.NewCapabilityError(f.Name(), domain.KindBadInput,
					fmt.Errorf("image reference %s: %w", imageRef, err))
			}
			// The Graph API accepts multipart uploads; published-by-URL is
			// the only mode this deployment uses, so a local path is exposed
			// through the workspace file server.
			form.Set("url", "file://"+imageRef)
		}
		form.Set("caption", content)
		form.Del("message")
	}

	resp, err := doWithRetry(ctx, f.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, f.logger)
	if err != nil {
		return nil, classifyHTTPError(f.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewCapabilityError(f.Name(), domain.KindUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromStatus(f.Name(), resp.StatusCode, raw)
	}

	var parsed fbPostResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.NewCapabilityError(f.Name(), domain.KindUnavailable, fmt.Errorf("decode response: %w", err))
	}
	postID := parsed.PostID
	if postID == "" {
		postID = parsed.ID
	}
	if postID == "" {
		return nil, domain.NewCapabilityError(f.Name(), domain.KindUnavailable, fmt.Errorf("no post id in response"))
	}

	f.logger.Info("facebook post published", "post_id", postID)
	return &domain.Result{PostID: postID}, nil
}
