package objects

import (
	"mesflow/pkg/contextx"

	"gorm.io/gorm"
)

func Transaction(ctx *contextx.Context, fc func(subCtx *contextx.Context) error) error {
	subCtx := ctx.Clone()
	return GetDB(ctx).Transaction(func(tx *gorm.DB) error {
		subCtx.SetDB(tx)
		return fc(subCtx)
	})
}
