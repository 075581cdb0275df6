package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"relpub/pkg/metrics"
	"relpub/pkg/telemetry"
)

// Workflow runs create release -> upload artifacts -> publish release, strictly in that order.
// The first failure stops the run; nothing already created on the server is rolled back.
type Workflow struct {
	client   *Client
	logger   *logrus.Entry
	signer   *Signer
	checksum bool
	events   EventPublisher
	ledger   Ledger
	metrics  *metrics.Recorder
	tracer   trace.Tracer
}

// WorkflowOption customises a Workflow.
type WorkflowOption func(*Workflow)

// WithSigner signs every artifact digest. Implies checksums.
func WithSigner(s *Signer) WorkflowOption {
	return func(w *Workflow) { w.signer = s }
}

// WithChecksums sends the SHA-256 of every artifact as its checksum.
func WithChecksums() WorkflowOption {
	return func(w *Workflow) { w.checksum = true }
}

// WithEvents publishes created/uploaded/published events.
func WithEvents(p EventPublisher) WorkflowOption {
	return func(w *Workflow) { w.events = p }
}

// WithLedger records each step in a local ledger.
func WithLedger(l Ledger) WorkflowOption {
	return func(w *Workflow) { w.ledger = l }
}

// WithMetrics records step outcomes.
func WithMetrics(r *metrics.Recorder) WorkflowOption {
	return func(w *Workflow) { w.metrics = r }
}

// WithWorkflowLogger sets the logger for side-channel warnings.
func WithWorkflowLogger(logger *logrus.Logger) WorkflowOption {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logrus.NewEntry(logger)
		}
	}
}

// NewWorkflow builds a Workflow around client.
func NewWorkflow(client *Client, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		client: client,
		logger: client.logger,
		tracer: telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Result holds what a run created. On failure it holds whatever succeeded before the failing step.
type Result struct {
	Release   *Release
	Artifacts []*Artifact
}

// Run executes plan. Errors from a step are returned as *StepError.
func (w *Workflow) Run(ctx context.Context, plan Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	ctx, span := w.tracer.Start(ctx, "publish", trace.WithAttributes(
		attribute.String("release.version", plan.Release.Version),
		attribute.String("release.channel", plan.Release.Channel),
	))
	defer span.End()

	result := &Result{}

	var release *Release
	err := w.step(ctx, StepCreateRelease, func(ctx context.Context) error {
		var err error
		release, err = w.client.CreateRelease(ctx, plan.Release)
		return err
	})
	if err != nil {
		return result, w.fail(span, StepCreateRelease, err)
	}
	result.Release = release
	w.afterCreate(ctx, release)

	for _, src := range plan.Artifacts {
		var artifact *Artifact
		err := w.step(ctx, StepUploadArtifact, func(ctx context.Context) error {
			var err error
			artifact, err = w.uploadArtifact(ctx, release, src)
			return err
		})
		if err != nil {
			return result, w.fail(span, StepUploadArtifact, err)
		}
		result.Artifacts = append(result.Artifacts, artifact)
		w.afterUpload(ctx, release, artifact)
	}

	var published *Release
	err = w.step(ctx, StepPublishRelease, func(ctx context.Context) error {
		var err error
		published, err = w.client.PublishRelease(ctx, release)
		return err
	})
	if err != nil {
		return result, w.fail(span, StepPublishRelease, err)
	}
	result.Release = published
	w.afterPublish(ctx, published)

	return result, nil
}

func (w *Workflow) step(ctx context.Context, step Step, fn func(ctx context.Context) error) error {
	ctx, span := w.tracer.Start(ctx, string(step))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	w.metrics.Observe(string(step), start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *Workflow) fail(span trace.Span, step Step, err error) error {
	span.SetStatus(codes.Error, string(step))
	return &StepError{Step: step, Err: err}
}

// uploadArtifact opens the artifact file right before registering it and closes it as soon as the
// upload returns.
func (w *Workflow) uploadArtifact(ctx context.Context, release *Release, src ArtifactSource) (*Artifact, error) {
	params := ArtifactParams{
		Filename: src.Filename,
		Filetype: src.Filetype,
		Filesize: src.Filesize,
		Platform: src.Platform,
		Arch:     src.Arch,
	}
	if params.Filename == "" {
		params.Filename = filepath.Base(src.Path)
	}
	if params.Filetype == "" {
		params.Filetype = InferFiletype(params.Filename)
	}
	if params.Platform == "" {
		params.Platform = HostPlatform()
	}
	if params.Arch == "" {
		params.Arch = HostArch()
	}

	if src.MetadataOnly {
		if src.Path != "" {
			info, err := os.Stat(src.Path)
			if err != nil {
				return nil, fmt.Errorf("stat %q: %w", src.Path, err)
			}
			params.Filesize = info.Size()
		}
		return w.client.UploadArtifact(ctx, release, params, nil)
	}

	file, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", src.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", src.Path, err)
	}
	params.Filesize = info.Size()

	if w.checksum || w.signer != nil {
		digest, err := digestFile(file)
		if err != nil {
			return nil, fmt.Errorf("hash %q: %w", src.Path, err)
		}
		params.Checksum = hex.EncodeToString(digest)
		if w.signer != nil {
			if params.Signature, err = w.signer.Sign(digest); err != nil {
				return nil, fmt.Errorf("sign %q: %w", src.Path, err)
			}
		}
	}

	artifact, err := w.client.UploadArtifact(ctx, release, params, file)
	if err != nil {
		return nil, err
	}
	w.metrics.AddBytes(params.Filesize)
	return artifact, nil
}

// digestFile hashes f and rewinds it for the upload.
func digestFile(f *os.File) ([]byte, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return hash.Sum(nil), nil
}

func (w *Workflow) afterCreate(ctx context.Context, release *Release) {
	if w.ledger != nil {
		if err := w.ledger.RecordRelease(ctx, release); err != nil {
			w.logger.WithContext(ctx).WithError(err).Warn("ledger: record release")
		}
	}
	w.notify(ctx, releaseCreatedSubject, releaseEvent(release))
}

func (w *Workflow) afterUpload(ctx context.Context, release *Release, artifact *Artifact) {
	if w.ledger != nil {
		if err := w.ledger.RecordArtifact(ctx, release, artifact); err != nil {
			w.logger.WithContext(ctx).WithError(err).Warn("ledger: record artifact")
		}
	}
	w.notify(ctx, artifactUploadedSubject, artifactEvent(artifact))
}

func (w *Workflow) afterPublish(ctx context.Context, release *Release) {
	if w.ledger != nil {
		if err := w.ledger.MarkPublished(ctx, release); err != nil {
			w.logger.WithContext(ctx).WithError(err).Warn("ledger: mark published")
		}
	}
	w.notify(ctx, releasePublishedSubject, releaseEvent(release))
}

func (w *Workflow) notify(ctx context.Context, subject string, v any) {
	if w.events == nil {
		return
	}
	if err := w.events.Publish(ctx, subject, v); err != nil {
		w.logger.WithContext(ctx).WithError(err).WithField("subject", subject).Warn("publish event")
	}
}
