package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/response"
)

// BoardSnapshot is the stored form of one project board
type BoardSnapshot struct {
	ProjectID string         `gorm:"type:varchar(255);primaryKey" json:"project_id"`
	Version   int64          `gorm:"not null;default:0" json:"version"`
	Columns   datatypes.JSON `json:"columns"`
	Items     datatypes.JSON `json:"items"`
	UpdatedBy string         `gorm:"type:varchar(255)" json:"updated_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName specifies the table name for BoardSnapshot
func (BoardSnapshot) TableName() string {
	return "board_snapshots"
}

// Models lists the gorm models owned by this package
func Models() []interface{} {
	return []interface{}{&BoardSnapshot{}}
}

// BoardRepository defines the interface for board snapshot data access
type BoardRepository interface {
	// Save stores snap as the new latest board and bumps its version
	Save(ctx context.Context, snap domain.Snapshot, updatedBy string) (domain.Snapshot, error)
	// Find returns the latest board of a project
	Find(ctx context.Context, projectID string) (domain.Snapshot, error)
	Delete(ctx context.Context, projectID string) error
}

// boardRepositoryImpl is the GORM implementation of BoardRepository
type boardRepositoryImpl struct {
	db *gorm.DB
}

// NewBoardRepository creates a new instance of BoardRepository
func NewBoardRepository(db *gorm.DB) BoardRepository {
	return &boardRepositoryImpl{db: db}
}

func (r *boardRepositoryImpl) Save(ctx context.Context, snap domain.Snapshot, updatedBy string) (domain.Snapshot, error) {
	if snap.ProjectID == "" {
		return domain.Snapshot{}, response.NewAppError(response.ErrCodeValidation, "Project ID is required", "")
	}

	model, err := toModel(snap)
	if err != nil {
		return domain.Snapshot{}, response.WrapAppError(response.ErrCodeValidation, "Invalid board snapshot", err)
	}
	model.UpdatedBy = updatedBy

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing BoardSnapshot
		err := tx.Where("project_id = ?", snap.ProjectID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			model.Version = 1
			return tx.Create(model).Error
		case err != nil:
			return err
		}

		model.Version = existing.Version + 1
		model.CreatedAt = existing.CreatedAt
		return tx.Save(model).Error
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to save board %s: %w", snap.ProjectID, err)
	}

	return fromModel(model)
}

func (r *boardRepositoryImpl) Find(ctx context.Context, projectID string) (domain.Snapshot, error) {
	var model BoardSnapshot
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Snapshot{}, response.WrapAppError(response.ErrCodeNotFound, "Board not found", err)
		}
		return domain.Snapshot{}, err
	}
	return fromModel(&model)
}

func (r *boardRepositoryImpl) Delete(ctx context.Context, projectID string) error {
	result := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&BoardSnapshot{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return response.NewAppError(response.ErrCodeNotFound, "Board not found", projectID)
	}
	return nil
}

func toModel(snap domain.Snapshot) (*BoardSnapshot, error) {
	columns := snap.Columns
	if columns == nil {
		columns = []domain.Column{}
	}
	items := snap.Items
	if items == nil {
		items = []domain.Item{}
	}

	columnsJSON, err := json.Marshal(columns)
	if err != nil {
		return nil, err
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return &BoardSnapshot{
		ProjectID: snap.ProjectID,
		Columns:   datatypes.JSON(columnsJSON),
		Items:     datatypes.JSON(itemsJSON),
	}, nil
}

func fromModel(model *BoardSnapshot) (domain.Snapshot, error) {
	snap := domain.Snapshot{
		ProjectID: model.ProjectID,
		Version:   model.Version,
		Columns:   []domain.Column{},
		Items:     []domain.Item{},
	}
	if len(model.Columns) > 0 {
		if err := json.Unmarshal(model.Columns, &snap.Columns); err != nil {
			return domain.Snapshot{}, fmt.Errorf("failed to decode columns of %s: %w", model.ProjectID, err)
		}
	}
	if len(model.Items) > 0 {
		if err := json.Unmarshal(model.Items, &snap.Items); err != nil {
			return domain.Snapshot{}, fmt.Errorf("failed to decode items of %s: %w", model.ProjectID, err)
		}
	}
	return snap, nil
}
