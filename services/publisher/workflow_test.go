package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"filippo.io/age"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relpub/pkg/jsonapi"
	"relpub/pkg/metrics"
)

type publishedEvent struct {
	subject string
	payload any
}

type fakeEvents struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (f *fakeEvents) Publish(_ context.Context, subject string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{subject: subject, payload: v})
	return f.err
}

func (f *fakeEvents) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.subject)
	}
	return out
}

type fakeLedger struct {
	releases  []string
	artifacts []string
	published []string
	err       error
}

func (l *fakeLedger) RecordRelease(_ context.Context, r *Release) error {
	l.releases = append(l.releases, r.ID)
	return l.err
}

func (l *fakeLedger) RecordArtifact(_ context.Context, r *Release, a *Artifact) error {
	l.artifacts = append(l.artifacts, r.ID+"/"+a.ID)
	return l.err
}

func (l *fakeLedger) MarkPublished(_ context.Context, r *Release) error {
	l.published = append(l.published, r.ID+":"+r.Status)
	return l.err
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func scenarioPlan(t *testing.T) Plan {
	t.Helper()
	dir := t.TempDir()
	return Plan{
		Release: ReleaseParams{Version: "1.0.0", Channel: "stable"},
		Artifacts: []ArtifactSource{
			{Path: writeArtifact(t, dir, "pkg-1.0.0.whl", "wheel bytes"), Filetype: "whl"},
			{Path: writeArtifact(t, dir, "pkg-1.0.0.tar.gz", "sdist bytes!"), Filetype: "tar.gz"},
		},
	}
}

func artifactAttrs(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	return doc["data"].(map[string]any)["attributes"].(map[string]any)
}

func TestWorkflowPublishesRelease(t *testing.T) {
	api := newFakeAPI(t)
	events := &fakeEvents{}
	ledger := &fakeLedger{}
	recorder := metrics.New()

	wf := NewWorkflow(api.client(t),
		WithEvents(events),
		WithLedger(ledger),
		WithMetrics(recorder),
		WithWorkflowLogger(quietLogger()),
	)

	result, err := wf.Run(context.Background(), scenarioPlan(t))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /v1/accounts/acct-1/releases",
		"POST /v1/accounts/acct-1/artifacts",
		"PUT /storage/art-1",
		"POST /v1/accounts/acct-1/artifacts",
		"PUT /storage/art-2",
		"POST /v1/accounts/acct-1/releases/abc123/actions/publish",
	}, api.Calls())

	assert.Equal(t, map[string][]byte{
		"art-1": []byte("wheel bytes"),
		"art-2": []byte("sdist bytes!"),
	}, api.Uploads())

	first := artifactAttrs(t, api.call(1).Body)
	assert.Equal(t, "pkg-1.0.0.whl", first["filename"])
	assert.Equal(t, "whl", first["filetype"])
	assert.EqualValues(t, len("wheel bytes"), first["filesize"])
	assert.Equal(t, HostPlatform(), first["platform"])
	assert.Equal(t, HostArch(), first["arch"])

	second := artifactAttrs(t, api.call(3).Body)
	assert.Equal(t, "pkg-1.0.0.tar.gz", second["filename"])
	assert.Equal(t, "tar.gz", second["filetype"])

	require.NotNil(t, result.Release)
	assert.Equal(t, "abc123", result.Release.ID)
	assert.Equal(t, "PUBLISHED", result.Release.Status)
	require.Len(t, result.Artifacts, 2)
	for _, a := range result.Artifacts {
		assert.Equal(t, "abc123", a.ReleaseID)
	}

	assert.Equal(t, []string{
		releaseCreatedSubject,
		artifactUploadedSubject,
		artifactUploadedSubject,
		releasePublishedSubject,
	}, events.subjects())

	assert.Equal(t, []string{"abc123"}, ledger.releases)
	assert.Equal(t, []string{"abc123/art-1", "abc123/art-2"}, ledger.artifacts)
	assert.Equal(t, []string{"abc123:PUBLISHED"}, ledger.published)

	count, err := testutil.GatherAndCount(recorder.Gatherer(), "relpub_steps_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestWorkflowRerunFailsAtCreate(t *testing.T) {
	api := newFakeAPI(t)
	wf := NewWorkflow(api.client(t), WithWorkflowLogger(quietLogger()))
	plan := scenarioPlan(t)

	_, err := wf.Run(context.Background(), plan)
	require.NoError(t, err)
	before := len(api.Calls())

	result, err := wf.Run(context.Background(), plan)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepCreateRelease, stepErr.Step)

	var apiErr *jsonapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Release failed: errors=Bad Request: version has already been taken", Describe(err))

	assert.Nil(t, result.Release)
	assert.Len(t, api.Calls(), before+1)
}

func TestWorkflowStopsOnUploadFailure(t *testing.T) {
	api := newFakeAPI(t)
	api.uploadStatus = http.StatusInternalServerError
	events := &fakeEvents{}

	wf := NewWorkflow(api.client(t), WithEvents(events), WithWorkflowLogger(quietLogger()))
	result, err := wf.Run(context.Background(), scenarioPlan(t))
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepUploadArtifact, stepErr.Step)

	var upErr *UploadError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusInternalServerError, upErr.Status)

	assert.Equal(t, "abc123", result.Release.ID)
	assert.Empty(t, result.Artifacts)
	assert.Equal(t, []string{
		"POST /v1/accounts/acct-1/releases",
		"POST /v1/accounts/acct-1/artifacts",
		"PUT /storage/art-1",
	}, api.Calls())
	assert.Equal(t, []string{releaseCreatedSubject}, events.subjects())
}

func TestWorkflowMissingArtifactFile(t *testing.T) {
	api := newFakeAPI(t)
	wf := NewWorkflow(api.client(t), WithWorkflowLogger(quietLogger()))

	plan := Plan{
		Release:   ReleaseParams{Version: "1.0.0", Channel: "stable"},
		Artifacts: []ArtifactSource{{Path: filepath.Join(t.TempDir(), "missing.whl")}},
	}
	_, err := wf.Run(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, Describe(err), "Upload failed: open")

	assert.Equal(t, []string{"POST /v1/accounts/acct-1/releases"}, api.Calls())
}

func TestWorkflowRejectsInvalidPlan(t *testing.T) {
	api := newFakeAPI(t)
	wf := NewWorkflow(api.client(t))

	_, err := wf.Run(context.Background(), Plan{Release: ReleaseParams{Channel: "stable"}})
	assert.ErrorIs(t, err, ErrInvalidVersion)
	assert.Empty(t, api.Calls())
}

func TestWorkflowSideChannelFailuresDoNotAbort(t *testing.T) {
	api := newFakeAPI(t)
	events := &fakeEvents{err: errors.New("nats down")}
	ledger := &fakeLedger{err: errors.New("db down")}

	wf := NewWorkflow(api.client(t), WithEvents(events), WithLedger(ledger), WithWorkflowLogger(quietLogger()))
	result, err := wf.Run(context.Background(), scenarioPlan(t))
	require.NoError(t, err)
	assert.Equal(t, "PUBLISHED", result.Release.Status)
	assert.Len(t, events.subjects(), 4)
}

func TestWorkflowMetadataOnly(t *testing.T) {
	api := newFakeAPI(t)
	wf := NewWorkflow(api.client(t), WithWorkflowLogger(quietLogger()))

	plan := Plan{
		Release: ReleaseParams{Version: "1.0.0", Channel: "stable"},
		Artifacts: []ArtifactSource{{
			Filename:     "app.exe",
			Filesize:     1024,
			Platform:     "windows",
			Arch:         "amd64",
			MetadataOnly: true,
		}},
	}
	_, err := wf.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /v1/accounts/acct-1/releases",
		"POST /v1/accounts/acct-1/artifacts",
		"POST /v1/accounts/acct-1/releases/abc123/actions/publish",
	}, api.Calls())

	attrs := artifactAttrs(t, api.call(1).Body)
	assert.Equal(t, "app.exe", attrs["filename"])
	assert.Equal(t, "exe", attrs["filetype"])
	assert.EqualValues(t, 1024, attrs["filesize"])
	assert.Equal(t, "windows", attrs["platform"])
	assert.Equal(t, "amd64", attrs["arch"])
}

func TestWorkflowChecksumAndSignature(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	t.Setenv("AGE_SECRET_KEY", identity.String())
	t.Setenv("AGE_PUBLIC_KEY", "")

	signer, err := NewSignerFromEnv()
	require.NoError(t, err)

	api := newFakeAPI(t)
	wf := NewWorkflow(api.client(t), WithSigner(signer), WithWorkflowLogger(quietLogger()))

	dir := t.TempDir()
	plan := Plan{
		Release:   ReleaseParams{Version: "1.0.0", Channel: "stable"},
		Artifacts: []ArtifactSource{{Path: writeArtifact(t, dir, "tool.zip", "zip bytes")}},
	}
	_, err = wf.Run(context.Background(), plan)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("zip bytes"))
	attrs := artifactAttrs(t, api.call(1).Body)
	assert.Equal(t, "zip", attrs["filetype"])
	assert.Equal(t, hex.EncodeToString(digest[:]), attrs["checksum"])

	sig, ok := attrs["signature"].(string)
	require.True(t, ok)
	assert.NoError(t, signer.Verify(digest[:], sig))

	assert.Equal(t, []byte("zip bytes"), api.Uploads()["art-1"])
}
