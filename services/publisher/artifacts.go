package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"relpub/pkg/jsonapi"
	gos3 "relpub/pkg/s3"
)

// ArtifactParams is the metadata registered for an artifact. Checksum and Signature are sent only
// when set.
type ArtifactParams struct {
	Filename  string
	Filetype  string
	Filesize  int64
	Platform  string
	Arch      string
	Checksum  string
	Signature string
}

// Artifact is a file registered against a release.
type Artifact struct {
	ID        string `json:"id"`
	ReleaseID string `json:"release_id"`
	Filename  string `json:"filename"`
	Filetype  string `json:"filetype"`
	Filesize  int64  `json:"filesize"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	Checksum  string `json:"checksum,omitempty"`
	Signature string `json:"signature,omitempty"`
	Status    string `json:"status,omitempty"`
	Link      string `json:"link,omitempty"`
}

// Registration is the result of registering an artifact: the artifact itself and the storage URL
// that authorises exactly one content upload.
type Registration struct {
	Artifact  *Artifact
	UploadURL string
}

type artifactAttributes struct {
	Filename  string `json:"filename"`
	Filesize  int64  `json:"filesize"`
	Filetype  string `json:"filetype"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	Checksum  string `json:"checksum,omitempty"`
	Signature string `json:"signature,omitempty"`
	Status    string `json:"status,omitempty"`
}

// RegisterArtifact creates the artifact record for release. The response redirect is not followed;
// its Location is returned as the upload target.
func (c *Client) RegisterArtifact(ctx context.Context, release *Release, params ArtifactParams) (*Registration, error) {
	if release == nil || strings.TrimSpace(release.ID) == "" {
		return nil, ErrMissingRelease
	}
	if strings.TrimSpace(params.Filename) == "" {
		return nil, ErrInvalidFilename
	}

	attrs, err := json.Marshal(artifactAttributes{
		Filename:  params.Filename,
		Filesize:  params.Filesize,
		Filetype:  params.Filetype,
		Platform:  params.Platform,
		Arch:      params.Arch,
		Checksum:  params.Checksum,
		Signature: params.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal artifact attributes: %w", err)
	}

	resp, err := c.call(ctx, c.register, http.MethodPost, "/artifacts", &jsonapi.Resource{
		Type:       "artifacts",
		Attributes: attrs,
		Relationships: map[string]jsonapi.Relationship{
			"release": {Data: &jsonapi.Identifier{Type: "release", ID: release.ID}},
		},
	})
	if err != nil {
		return nil, err
	}

	artifact, err := artifactFromResource(resp.resource, release.ID, params)
	if err != nil {
		return nil, err
	}

	c.logger.WithContext(ctx).Infof("Uploaded: artifact=%s link=%s", artifact.ID, artifact.Link)
	return &Registration{
		Artifact:  artifact,
		UploadURL: resp.header.Get("Location"),
	}, nil
}

// UploadContent performs the single content upload authorised by a registration. HTTP(S) targets
// receive a PUT with Content-Type text/plain; s3:// targets go through the configured ObjectStore.
func (c *Client) UploadContent(ctx context.Context, target string, body io.Reader, size int64, checksum string) error {
	if target == "" {
		return ErrMissingUploadURL
	}

	if strings.HasPrefix(target, gos3.Scheme) {
		if c.objects == nil {
			return ErrNoObjectStore
		}
		bucket, key, err := gos3.ParseURL(target)
		if err != nil {
			return err
		}
		if err := c.objects.PutObject(ctx, bucket, key, body, size, checksum); err != nil {
			return fmt.Errorf("upload content: %w", err)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if size > 0 {
		req.ContentLength = size
	}

	resp, err := c.storage.Do(req)
	if err != nil {
		return fmt.Errorf("upload content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &UploadError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain upload response: %w", err)
	}
	return nil
}

// UploadArtifact registers an artifact and, when body is non-nil, uploads its content once to the
// returned location. A nil body registers metadata only.
func (c *Client) UploadArtifact(ctx context.Context, release *Release, params ArtifactParams, body io.Reader) (*Artifact, error) {
	reg, err := c.RegisterArtifact(ctx, release, params)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return reg.Artifact, nil
	}

	if err := c.UploadContent(ctx, reg.UploadURL, body, params.Filesize, params.Checksum); err != nil {
		return nil, err
	}
	return reg.Artifact, nil
}

func artifactFromResource(res *jsonapi.Resource, releaseID string, params ArtifactParams) (*Artifact, error) {
	if res.ID == "" {
		return nil, &jsonapi.DecodeError{Err: fmt.Errorf("artifact resource has no id")}
	}

	artifact := &Artifact{
		ID:        res.ID,
		ReleaseID: releaseID,
		Filename:  params.Filename,
		Filetype:  params.Filetype,
		Filesize:  params.Filesize,
		Platform:  params.Platform,
		Arch:      params.Arch,
		Checksum:  params.Checksum,
		Signature: params.Signature,
		Link:      res.Links.Self,
	}

	if rel, ok := res.Relationships["release"]; ok && rel.Data != nil && rel.Data.ID != "" {
		artifact.ReleaseID = rel.Data.ID
	}

	if len(res.Attributes) > 0 {
		var attrs artifactAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			return nil, &jsonapi.DecodeError{Err: fmt.Errorf("artifact attributes: %w", err)}
		}
		if attrs.Filename != "" {
			artifact.Filename = attrs.Filename
		}
		if attrs.Filesize > 0 {
			artifact.Filesize = attrs.Filesize
		}
		artifact.Status = attrs.Status
	}
	return artifact, nil
}
