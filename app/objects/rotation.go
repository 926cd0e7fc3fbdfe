package objects

import (
	"fmt"
	"mesflow/app/db/models"
	"mesflow/pkg/contextx"
	"time"

	"github.com/google/uuid"
)

// NextRotationIndex advances the round-robin cursor for (definition, stage)
// and returns the index to pick. The cursor is shared by every instance of
// the definition, serialized by a named lock.
func NextRotationIndex(ctx *contextx.Context, definitionID, stageID string, candidates int) (int, error) {
	if candidates <= 0 {
		return 0, fmt.Errorf("rotation requires at least one candidate")
	}

	var index int
	err := WithNamedLock(fmt.Sprintf("rotation:%s:%s", definitionID, stageID), func() error {
		var cursor models.RotationCursor

		tx := GetDB(ctx)
		err := tx.Where("definition_id = ? AND stage_id = ?", definitionID, stageID).First(&cursor).Error
		if IsNotFoundError(err) {
			cursor = models.RotationCursor{
				ID:           uuid.NewString(),
				DefinitionID: definitionID,
				StageID:      stageID,
				Cursor:       0,
				CreatedAt:    time.Now().UTC(),
			}
		} else if err != nil {
			return err
		}

		index = cursor.Cursor % candidates
		cursor.Cursor = index + 1
		cursor.UpdatedAt = time.Now().UTC()
		return tx.Save(&cursor).Error
	})
	return index, err
}
