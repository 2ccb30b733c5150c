/*
Package pricing adjusts the dynamic gas price from block fullness: full
blocks push the price up, empty blocks let it decay back to the floor.
*/
package pricing

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/db"
)

// adjustmentBps is the per-block price move, in basis points.
const adjustmentBps = 103

// PricingAgent tracks the price across commits and persists it per block.
type PricingAgent struct {
	mu        sync.Mutex
	price     uint64
	basePrice uint64
	batchSize int
	priceDB   *db.PriceDB
	logger    hclog.Logger
}

func NewPricingAgent(basePrice uint64, batchSize int, priceDB *db.PriceDB, logger hclog.Logger) *PricingAgent {
	return &PricingAgent{
		price:     basePrice,
		basePrice: basePrice,
		batchSize: batchSize,
		priceDB:   priceDB,
		logger:    logger.Named("pricing"),
	}
}

// Restore loads the persisted price of the last committed block.
func (a *PricingAgent) Restore(lastCommittedBlockID uint64) {
	if lastCommittedBlockID == 0 {
		return
	}
	price, found, err := a.priceDB.GetPrice(lastCommittedBlockID)
	if err != nil || !found {
		return
	}
	a.mu.Lock()
	a.price = price
	a.mu.Unlock()
}

// Price returns the current gas price.
func (a *PricingAgent) Price() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.price
}

// OnBlockCommitted moves the price by the block's fullness and persists it.
// Returns the price in force after the block.
func (a *PricingAgent) OnBlockCommitted(b *datastructures.CommittedBlock) uint64 {
	a.mu.Lock()
	fullness := 0.0
	if a.batchSize > 0 {
		fullness = float64(b.TransactionCount()) / float64(a.batchSize)
	}
	switch {
	case fullness >= 2.0/3.0:
		a.price = a.price * (10000 + adjustmentBps) / 10000
	case fullness < 1.0/3.0:
		a.price = a.price * 10000 / (10000 + adjustmentBps)
		if a.price < a.basePrice {
			a.price = a.basePrice
		}
	}
	price := a.price
	a.mu.Unlock()

	if err := a.priceDB.SavePrice(b.BlockID, price); err != nil {
		a.logger.Error("could not persist price", "block", b.BlockID, "error", err)
	}
	return price
}
