package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"relpub/pkg/jsonapi"
)

// ReleaseParams describes a release to create. Name and Tag are optional.
type ReleaseParams struct {
	Version string  `yaml:"version"`
	Channel string  `yaml:"channel"`
	Name    *string `yaml:"name,omitempty"`
	Tag     *string `yaml:"tag,omitempty"`
}

// Release is the server's view of a release. The server owns its state; the client never edits it.
type Release struct {
	ID      string  `json:"id"`
	Version string  `json:"version"`
	Channel string  `json:"channel"`
	Name    *string `json:"name,omitempty"`
	Tag     *string `json:"tag,omitempty"`
	Status  string  `json:"status,omitempty"`
	Link    string  `json:"link,omitempty"`
}

type releaseAttributes struct {
	Version string  `json:"version"`
	Channel string  `json:"channel"`
	Name    *string `json:"name"`
	Tag     *string `json:"tag"`
	Status  string  `json:"status,omitempty"`
}

// CreateRelease creates a draft release for the configured product.
func (c *Client) CreateRelease(ctx context.Context, params ReleaseParams) (*Release, error) {
	params.Version = strings.TrimSpace(params.Version)
	params.Channel = strings.TrimSpace(params.Channel)
	if params.Version == "" {
		return nil, ErrInvalidVersion
	}
	if params.Channel == "" {
		return nil, ErrInvalidChannel
	}

	attrs, err := json.Marshal(releaseAttributes{
		Version: params.Version,
		Channel: params.Channel,
		Name:    params.Name,
		Tag:     params.Tag,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal release attributes: %w", err)
	}

	resp, err := c.call(ctx, c.api, http.MethodPost, "/releases", &jsonapi.Resource{
		Type:       "releases",
		Attributes: attrs,
		Relationships: map[string]jsonapi.Relationship{
			"product": {Data: &jsonapi.Identifier{Type: "product", ID: c.cfg.ProductID}},
		},
	})
	if err != nil {
		return nil, err
	}

	release, err := releaseFromResource(resp.resource, &Release{
		Version: params.Version,
		Channel: params.Channel,
		Name:    params.Name,
		Tag:     params.Tag,
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithContext(ctx).Infof("Created: release=%s link=%s", release.ID, release.Link)
	return release, nil
}

// PublishRelease moves a release from draft to published.
func (c *Client) PublishRelease(ctx context.Context, release *Release) (*Release, error) {
	if release == nil || strings.TrimSpace(release.ID) == "" {
		return nil, ErrMissingRelease
	}

	path := "/releases/" + url.PathEscape(release.ID) + "/actions/publish"
	resp, err := c.call(ctx, c.api, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}

	published, err := releaseFromResource(resp.resource, release)
	if err != nil {
		return nil, err
	}

	c.logger.WithContext(ctx).Infof("Published: release=%s link=%s", published.ID, published.Link)
	return published, nil
}

// releaseFromResource maps a response resource onto a Release. Attributes absent from the response
// are taken from fallback.
func releaseFromResource(res *jsonapi.Resource, fallback *Release) (*Release, error) {
	if res.ID == "" {
		return nil, &jsonapi.DecodeError{Err: fmt.Errorf("release resource has no id")}
	}

	release := &Release{}
	if fallback != nil {
		*release = *fallback
	}
	release.ID = res.ID
	release.Link = res.Links.Self

	if len(res.Attributes) > 0 {
		var attrs releaseAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			return nil, &jsonapi.DecodeError{Err: fmt.Errorf("release attributes: %w", err)}
		}
		if attrs.Version != "" {
			release.Version = attrs.Version
		}
		if attrs.Channel != "" {
			release.Channel = attrs.Channel
		}
		if attrs.Name != nil {
			release.Name = attrs.Name
		}
		if attrs.Tag != nil {
			release.Tag = attrs.Tag
		}
		if attrs.Status != "" {
			release.Status = attrs.Status
		}
	}
	return release, nil
}
