package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/quotagate/quotagate/internal/cache"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/idempotency"
	"github.com/quotagate/quotagate/internal/migration"
	"github.com/quotagate/quotagate/internal/observability"
	"github.com/quotagate/quotagate/internal/quota"
	"github.com/quotagate/quotagate/internal/semaphore"
	"github.com/quotagate/quotagate/internal/server"
	"github.com/quotagate/quotagate/internal/signature"
	"github.com/quotagate/quotagate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		migration.Module,

		signature.Module,
		semaphore.Module,
		idempotency.Module,
		quota.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
