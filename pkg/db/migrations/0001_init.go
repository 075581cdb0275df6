package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Release struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RemoteID    string     `gorm:"type:text;uniqueIndex;not null"`
	Version     string     `gorm:"type:text;not null;index"`
	Channel     string     `gorm:"type:text;not null"`
	Name        *string    `gorm:"type:text"`
	Tag         *string    `gorm:"type:text"`
	Link        string     `gorm:"type:text"`
	Status      string     `gorm:"type:text;not null"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	PublishedAt *time.Time `gorm:"type:timestamptz"`
}

type Artifact struct {
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
	Release   Release           `gorm:"foreignKey:ReleaseID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Release{},
		&Artifact{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if m.HasConstraint(&Artifact{}, "Release") {
		return nil
	}
	return m.CreateConstraint(&Artifact{}, "Release")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Artifact{},
		&Release{},
	)
}
