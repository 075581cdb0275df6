package publisher

import "context"

const (
	// EventStream is the JetStream stream that carries every publisher event.
	EventStream = "RELPUB"
	// EventSubjects matches every publisher event subject.
	EventSubjects = "relpub.>"

	releaseCreatedSubject   = "relpub.releases.created"
	artifactUploadedSubject = "relpub.artifacts.uploaded"
	releasePublishedSubject = "relpub.releases.published"
)

// EventPublisher delivers workflow events. *bus.Bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// ReleaseEvent is emitted when a release is created or published.
type ReleaseEvent struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Channel string `json:"channel"`
	Status  string `json:"status,omitempty"`
	Link    string `json:"link,omitempty"`
}

// ArtifactEvent is emitted after an artifact is registered and its content uploaded.
type ArtifactEvent struct {
	ID        string `json:"id"`
	ReleaseID string `json:"release_id"`
	Filename  string `json:"filename"`
	Filesize  int64  `json:"filesize"`
	Link      string `json:"link,omitempty"`
}

func releaseEvent(r *Release) ReleaseEvent {
	return ReleaseEvent{ID: r.ID, Version: r.Version, Channel: r.Channel, Status: r.Status, Link: r.Link}
}

func artifactEvent(a *Artifact) ArtifactEvent {
	return ArtifactEvent{ID: a.ID, ReleaseID: a.ReleaseID, Filename: a.Filename, Filesize: a.Filesize, Link: a.Link}
}
