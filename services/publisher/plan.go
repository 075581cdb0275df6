package publisher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plan is one publish run: a release and the artifacts to attach to it, uploaded in order.
type Plan struct {
	Release   ReleaseParams    `yaml:"release"`
	Artifacts []ArtifactSource `yaml:"artifacts"`
}

// ArtifactSource points at an artifact to upload. Filename defaults to the base name of Path,
// Filetype to one inferred from the filename, and Platform/Arch to the host's. With MetadataOnly
// the artifact is registered without content; Filesize is then used when Path is empty.
type ArtifactSource struct {
	Path         string `yaml:"path"`
	Filename     string `yaml:"filename,omitempty"`
	Filetype     string `yaml:"filetype,omitempty"`
	Filesize     int64  `yaml:"filesize,omitempty"`
	Platform     string `yaml:"platform,omitempty"`
	Arch         string `yaml:"arch,omitempty"`
	MetadataOnly bool   `yaml:"metadata_only,omitempty"`
}

// LoadPlan reads a YAML release manifest. Relative artifact paths resolve against the manifest's
// directory.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read release manifest: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse release manifest: %w", err)
	}

	dir := filepath.Dir(path)
	for i := range plan.Artifacts {
		p := plan.Artifacts[i].Path
		if p != "" && !filepath.IsAbs(p) {
			plan.Artifacts[i].Path = filepath.Join(dir, p)
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks the plan before any request is made.
func (p *Plan) Validate() error {
	if p == nil {
		return errors.New("nil plan")
	}
	if strings.TrimSpace(p.Release.Version) == "" {
		return ErrInvalidVersion
	}
	if strings.TrimSpace(p.Release.Channel) == "" {
		return ErrInvalidChannel
	}
	for i, a := range p.Artifacts {
		if a.Path == "" && !a.MetadataOnly {
			return fmt.Errorf("artifact %d: path is required", i)
		}
		if a.Path == "" && a.Filename == "" {
			return fmt.Errorf("artifact %d: %w", i, ErrInvalidFilename)
		}
	}
	return nil
}

// ParseArtifactFlag parses "path[:filetype]" as accepted by the --artifact flag. A suffix after the
// last colon is a filetype only when it holds no path separator.
func ParseArtifactFlag(value string) (ArtifactSource, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ArtifactSource{}, errors.New("empty artifact")
	}
	path, filetype := value, ""
	if i := strings.LastIndex(value, ":"); i > 0 && !isWindowsDrive(value, i) && !strings.ContainsAny(value[i+1:], `/\`) {
		path, filetype = value[:i], value[i+1:]
	}
	if path == "" {
		return ArtifactSource{}, fmt.Errorf("artifact %q has no path", value)
	}
	return ArtifactSource{Path: path, Filetype: filetype}, nil
}

func isWindowsDrive(value string, colon int) bool {
	return colon == 1 && len(value) > 2 && (value[2] == '\\' || value[2] == '/')
}

// InferFiletype derives the artifact filetype from its filename.
func InferFiletype(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		return "tar.gz"
	case strings.HasSuffix(lower, ".tar.xz"):
		return "tar.xz"
	case strings.HasSuffix(lower, ".tar.zst"):
		return "tar.zst"
	}
	ext := strings.TrimPrefix(filepath.Ext(lower), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}
