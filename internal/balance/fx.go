package balance

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.store",
	fx.Provide(func(genID *snowflake.Node) Store { return NewGormStore(genID) }),
)
