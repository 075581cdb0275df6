package publisher

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type releaseModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RemoteID    string     `gorm:"type:text;uniqueIndex;not null"`
	Version     string     `gorm:"type:text;not null"`
	Channel     string     `gorm:"type:text;not null"`
	Name        *string    `gorm:"type:text"`
	Tag         *string    `gorm:"type:text"`
	Link        string     `gorm:"type:text"`
	Status      string     `gorm:"type:text;not null"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	PublishedAt *time.Time `gorm:"type:timestamptz"`
}

func (releaseModel) TableName() string { return "releases" }

func newReleaseModel(r *Release) releaseModel {
	status := r.Status
	if status == "" {
		status = "DRAFT"
	}
	return releaseModel{
		ID:       uuid.New(),
		RemoteID: r.ID,
		Version:  r.Version,
		Channel:  r.Channel,
		Name:     r.Name,
		Tag:      r.Tag,
		Link:     r.Link,
		Status:   status,
	}
}

type artifactModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ReleaseID uuid.UUID         `gorm:"type:uuid;not null;index"`
	RemoteID  string            `gorm:"type:text;uniqueIndex;not null"`
	Filename  string            `gorm:"type:text;not null"`
	Filesize  int64             `gorm:"type:bigint;not null"`
	Filetype  string            `gorm:"type:text"`
	Platform  string            `gorm:"type:text"`
	Arch      string            `gorm:"type:text"`
	Checksum  string            `gorm:"type:text"`
	Link      string            `gorm:"type:text"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (artifactModel) TableName() string { return "artifacts" }

func newArtifactModel(releaseID uuid.UUID, a *Artifact) artifactModel {
	meta := datatypes.JSONMap{}
	if a.Signature != "" {
		meta["signature"] = a.Signature
	}
	if a.Status != "" {
		meta["status"] = a.Status
	}
	return artifactModel{
		ID:        uuid.New(),
		ReleaseID: releaseID,
		RemoteID:  a.ID,
		Filename:  a.Filename,
		Filesize:  a.Filesize,
		Filetype:  a.Filetype,
		Platform:  a.Platform,
		Arch:      a.Arch,
		Checksum:  a.Checksum,
		Link:      a.Link,
		Meta:      meta,
	}
}
