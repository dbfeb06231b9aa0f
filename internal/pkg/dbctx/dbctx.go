package dbctx

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/recallmap-backend/internal/pkg/ctxutil"
)

// Context bundles a request context with an optional GORM transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Context returns the bundled context, never nil.
func (c Context) Context() context.Context {
	return ctxutil.Default(c.Ctx)
}
