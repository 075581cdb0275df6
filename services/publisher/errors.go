package publisher

import (
	"errors"
	"fmt"

	"relpub/pkg/jsonapi"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidTimeout     = errors.New("invalid http timeout")
	ErrInvalidVersion     = errors.New("release version is required")
	ErrInvalidChannel     = errors.New("release channel is required")
	ErrMissingRelease     = errors.New("release identifier is required")
	ErrInvalidFilename    = errors.New("artifact filename is required")
	ErrMissingUploadURL   = errors.New("artifact response has no upload location")
	ErrNoObjectStore      = errors.New("s3 upload target but no s3 client configured")
)

// Step names a stage of the publish workflow.
type Step string

const (
	StepCreateRelease  Step = "create_release"
	StepUploadArtifact Step = "upload_artifact"
	StepPublishRelease Step = "publish_release"
)

func (s Step) label() string {
	switch s {
	case StepCreateRelease:
		return "Release"
	case StepUploadArtifact:
		return "Upload"
	case StepPublishRelease:
		return "Publish"
	default:
		return string(s)
	}
}

// StepError ties a failure to the workflow step that produced it.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// UploadError reports a storage provider that rejected the content PUT.
type UploadError struct {
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload content: unexpected status %d: %s", e.Status, e.Body)
}

// Describe renders err as the single failure line logged before the process exits, e.g.
// "Release failed: errors=Bad Request: version has already been taken".
func Describe(err error) string {
	if err == nil {
		return ""
	}

	label := "Publish workflow"
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		label = stepErr.Step.label()
	}

	var apiErr *jsonapi.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%s failed: errors=%s", label, jsonapi.FormatErrors(apiErr.Errors))
	}
	if stepErr != nil {
		return fmt.Sprintf("%s failed: %v", label, stepErr.Err)
	}
	return fmt.Sprintf("%s failed: %v", label, err)
}
