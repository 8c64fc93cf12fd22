package server

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/escrow-endpoint/database"
	"github.com/flashbots/escrow-endpoint/ledger"
)

const DefaultRequestValidity = 10 * time.Minute

type Configuration struct {
	DB                database.Store
	Deposits          ledger.DepositVerifier // nil refuses deposits
	ListenAddress     string
	Logger            log.Logger
	Manager           common.Address
	NetworkId         string            // answered to net_version
	RedisUrl          string            // empty keeps the ledger in memory, "dev" starts an integrated redis
	ReplayWindow      time.Duration     // responses to signed calls are cached this long, zero disables
	RequestValidity   time.Duration     // latest accepted CallAuth expiry, from now
	Transferer        ledger.Transferer // nil keeps withdrawals book-keeping only
	Version           string
	ShutdownDrainTime time.Duration
}
