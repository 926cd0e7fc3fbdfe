package db

import "mesflow/app/db/models"

func Migrate() error {
	return dbConn.AutoMigrate(
		&models.WorkflowDefinition{},
		&models.Stage{},
		&models.WorkflowRule{},
		&models.WorkflowInstance{},
		&models.WorkflowStageInstance{},
		&models.WorkflowAssignment{},
		&models.WorkflowParallelCoordination{},
		&models.WorkflowHistory{},
		&models.WorkflowDelegation{},
		&models.RotationCursor{},
	)
}
