package ethereum

import (
	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/autopeer-io/v2x/pkg/log"
)

// SetLogger routes go-ethereum's internal logging into l.
func SetLogger(l log.Logger) {
	gethlog.SetDefault(gethlog.NewLogger(l.WithName("geth").Slog().Handler()))
}
