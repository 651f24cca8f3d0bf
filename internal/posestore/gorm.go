package posestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/nearby"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

// PoseRow is one shared pose as stored in postgres.
type PoseRow struct {
	ID              string    `gorm:"column:id;primaryKey;size:64"`
	UploaderUID     string    `gorm:"column:uploader_uid;size:190;not null;index"`
	UploaderAlias   string    `gorm:"column:uploader_alias;size:190"`
	Description     string    `gorm:"column:description;type:text"`
	DataDescription string    `gorm:"column:data_description;type:text"`
	MapID           uint32    `gorm:"column:map_id;not null;index:idx_shared_poses_location,priority:1"`
	ServerID        uint32    `gorm:"column:server_id;not null;index:idx_shared_poses_location,priority:2"`
	InstanceID      uint32    `gorm:"column:instance_id;not null"`
	Ward            uint32    `gorm:"column:ward"`
	Plot            uint32    `gorm:"column:plot"`
	Room            uint32    `gorm:"column:room"`
	X               float64   `gorm:"column:x"`
	Y               float64   `gorm:"column:y"`
	Z               float64   `gorm:"column:z"`
	Bearing         float64   `gorm:"column:bearing"`
	CapturedAt      time.Time `gorm:"column:captured_at"`
	PayloadID       string    `gorm:"column:payload_id;size:64"`
	PayloadVersion  uint64    `gorm:"column:payload_version"`
	PayloadData     []byte    `gorm:"column:payload_data"`
	PayloadDigest   string    `gorm:"column:payload_digest;size:64"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PoseRow) TableName() string {
	return "shared_poses"
}

func toRow(p nearby.SharedPose) PoseRow {
	w := p.World
	return PoseRow{
		ID:              p.ID,
		UploaderUID:     p.Uploader.UID,
		UploaderAlias:   p.Uploader.Alias,
		Description:     p.Description,
		DataDescription: p.DataDescription,
		MapID:           w.MapID,
		ServerID:        w.ServerID,
		InstanceID:      w.InstanceID,
		Ward:            w.Housing.Ward,
		Plot:            w.Housing.Plot,
		Room:            w.Housing.Room,
		X:               w.Position.X(),
		Y:               w.Position.Y(),
		Z:               w.Position.Z(),
		Bearing:         w.Bearing,
		CapturedAt:      w.CapturedAt,
		PayloadID:       p.Payload.ID,
		PayloadVersion:  p.Payload.Version,
		PayloadData:     p.Payload.Data,
		PayloadDigest:   p.Payload.Digest,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (r PoseRow) toPose() nearby.SharedPose {
	uploader := chara.UserID{UID: r.UploaderUID, Alias: r.UploaderAlias}
	w := world.New(mgl64.Vec3{r.X, r.Y, r.Z}, r.Bearing, r.MapID, r.ServerID, r.InstanceID, r.CapturedAt)
	w.Housing = world.Housing{Ward: r.Ward, Plot: r.Plot, Room: r.Room}
	return nearby.SharedPose{
		ID:              r.ID,
		Uploader:        uploader,
		Description:     r.Description,
		DataDescription: r.DataDescription,
		World:           w,
		Payload: chara.Payload{
			ID:       r.PayloadID,
			Producer: uploader,
			Version:  r.PayloadVersion,
			Data:     r.PayloadData,
			Digest:   r.PayloadDigest,
		},
		UpdatedAt: r.UpdatedAt,
	}
}

// GormStore keeps shared poses in postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewGormStore(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&PoseRow{}); err != nil {
		return fmt.Errorf("migrate shared_poses: %w", err)
	}
	return nil
}

func (s *GormStore) Put(ctx context.Context, p nearby.SharedPose) (nearby.SharedPose, error) {
	if err := validate(p); err != nil {
		return nearby.SharedPose{}, err
	}
	p = prepare(p, s.now())
	row := toRow(p)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur PoseRow
		err := tx.Select("uploader_uid").Where("id = ?", row.ID).Take(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case cur.UploaderUID != row.UploaderUID:
			return ErrNotOwner
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotOwner) {
			return nearby.SharedPose{}, err
		}
		return nearby.SharedPose{}, fmt.Errorf("save pose %s: %w", row.ID, err)
	}
	return p, nil
}

func (s *GormStore) listQuery(ctx context.Context, q Query) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&PoseRow{})
	if q.MapID != 0 {
		tx = tx.Where("map_id = ?", q.MapID)
	}
	if q.ServerID != 0 {
		tx = tx.Where("server_id = ?", q.ServerID)
	}
	return tx.Order("updated_at desc").Order("id").Limit(q.limit())
}

func (s *GormStore) List(ctx context.Context, q Query) ([]nearby.SharedPose, error) {
	var rows []PoseRow
	if err := s.listQuery(ctx, q).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list poses: %w", err)
	}
	out := make([]nearby.SharedPose, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPose())
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, id, uploaderUID string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND uploader_uid = ?", id, uploaderUID).Delete(&PoseRow{})
	if res.Error != nil {
		return fmt.Errorf("delete pose %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&PoseRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return fmt.Errorf("delete pose %s: %w", id, err)
		}
		if n > 0 {
			return ErrNotOwner
		}
		return ErrNotFound
	}
	return nil
}
