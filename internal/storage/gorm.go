package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tanq16/dlcore/internal/types"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TaskRow is the SQL layout of a task record.
type TaskRow struct {
	ID              string `gorm:"column:id;type:varchar(36);primaryKey"`
	URL             string `gorm:"column:url;type:text;not null"`
	Path            string `gorm:"column:path;type:text;not null"`
	PathAsDirectory bool   `gorm:"column:path_as_dir;not null;default:false"`
	Filename        string `gorm:"column:filename;type:varchar(255)"`
	Status          string `gorm:"column:status;type:varchar(16);index;not null"`
	SoFar           int64  `gorm:"column:so_far;not null;default:0"`
	Total           int64  `gorm:"column:total;not null;default:0"`
	ETag            string `gorm:"column:etag;type:varchar(255)"`
	ConnectionCount int    `gorm:"column:connection_count;not null;default:0"`
	ErrorMsg        string `gorm:"column:error_msg;type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TaskRow) TableName() string {
	return "dlcore_task"
}

// ConnectionRow is the SQL layout of a connection record.
type ConnectionRow struct {
	TaskID        string `gorm:"column:task_id;type:varchar(36);primaryKey"`
	Index         int    `gorm:"column:conn_index;primaryKey;autoIncrement:false"`
	StartOffset   int64  `gorm:"column:start_offset;not null"`
	CurrentOffset int64  `gorm:"column:current_offset;not null"`
	EndOffset     int64  `gorm:"column:end_offset;not null"`
}

func (ConnectionRow) TableName() string {
	return "dlcore_connection"
}

func rowFromTask(t types.Task) TaskRow {
	return TaskRow{
		ID:              t.ID,
		URL:             t.URL,
		Path:            t.Path,
		PathAsDirectory: t.PathAsDirectory,
		Filename:        t.Filename,
		Status:          t.Status.String(),
		SoFar:           t.SoFar,
		Total:           t.Total,
		ETag:            t.ETag,
		ConnectionCount: t.ConnectionCount,
		ErrorMsg:        t.ErrMsg,
	}
}

func (r TaskRow) task() (types.Task, error) {
	status := types.ParseStatus(r.Status)
	if status == 0 {
		return types.Task{}, fmt.Errorf("bad status %q", r.Status)
	}
	return types.Task{
		ID:              r.ID,
		URL:             r.URL,
		Path:            r.Path,
		PathAsDirectory: r.PathAsDirectory,
		Filename:        r.Filename,
		Status:          status,
		SoFar:           r.SoFar,
		Total:           r.Total,
		ETag:            r.ETag,
		ConnectionCount: r.ConnectionCount,
		ErrMsg:          r.ErrorMsg,
	}, nil
}

// Gorm stores records in two SQL tables.
type Gorm struct {
	db *gorm.DB
}

// OpenMySQL opens dsn and migrates the tables.
func OpenMySQL(dsn string) (*Gorm, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("error opening mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting sql db: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return NewGorm(db)
}

func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&TaskRow{}, &ConnectionRow{}); err != nil {
		return nil, fmt.Errorf("error migrating tables: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *Gorm) Find(ctx context.Context, id string) (types.Task, error) {
	var row TaskRow
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Task{}, ErrNotFound
	}
	if err != nil {
		return types.Task{}, err
	}
	return row.task()
}

func (g *Gorm) List(ctx context.Context) ([]types.Task, error) {
	var rows []TaskRow
	if err := g.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	tasks := make([]types.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.task()
		if err != nil {
			return nil, fmt.Errorf("error reading task %s: %w", row.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (g *Gorm) Insert(ctx context.Context, t types.Task) error {
	row := rowFromTask(t)
	return g.db.WithContext(ctx).Save(&row).Error
}

func (g *Gorm) Update(ctx context.Context, t types.Task) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&TaskRow{}).Where("id = ?", t.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("update %s: %w", t.ID, ErrNotFound)
		}
		row := rowFromTask(t)
		return tx.Save(&row).Error
	})
}

func (g *Gorm) UpdateProgress(ctx context.Context, id string, soFar int64) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&TaskRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("update progress %s: %w", id, ErrNotFound)
		}
		return tx.Model(&TaskRow{}).Where("id = ?", id).Update("so_far", soFar).Error
	})
}

func (g *Gorm) Remove(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Where("id = ?", id).Delete(&TaskRow{}).Error
}

func (g *Gorm) FindConnections(ctx context.Context, id string) ([]types.Connection, error) {
	var rows []ConnectionRow
	if err := g.db.WithContext(ctx).Where("task_id = ?", id).Order("conn_index").Find(&rows).Error; err != nil {
		return nil, err
	}
	conns := make([]types.Connection, 0, len(rows))
	for _, row := range rows {
		conns = append(conns, types.Connection{
			TaskID:        row.TaskID,
			Index:         row.Index,
			StartOffset:   row.StartOffset,
			CurrentOffset: row.CurrentOffset,
			EndOffset:     row.EndOffset,
		})
	}
	return conns, nil
}

func (g *Gorm) InsertConnection(ctx context.Context, c types.Connection) error {
	row := ConnectionRow{
		TaskID:        c.TaskID,
		Index:         c.Index,
		StartOffset:   c.StartOffset,
		CurrentOffset: c.CurrentOffset,
		EndOffset:     c.EndOffset,
	}
	return g.db.WithContext(ctx).Save(&row).Error
}

func (g *Gorm) UpdateConnection(ctx context.Context, id string, index int, currentOffset int64) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		q := tx.Model(&ConnectionRow{}).Where("task_id = ? AND conn_index = ?", id, index)
		if err := q.Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("update connection %s/%d: %w", id, index, ErrNotFound)
		}
		return tx.Model(&ConnectionRow{}).Where("task_id = ? AND conn_index = ?", id, index).
			Update("current_offset", currentOffset).Error
	})
}

func (g *Gorm) RemoveConnections(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Where("task_id = ?", id).Delete(&ConnectionRow{}).Error
}
