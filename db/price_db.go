package db

import "encoding/binary"

const pricePrefix = "price:"

// PriceDB persists the per-block dynamic gas price so a restarted node
// resumes the pricing walk where it left off.
type PriceDB struct {
	storage *Storage
}

func NewPriceDB(storage *Storage) *PriceDB {
	return &PriceDB{storage: storage}
}

func (d *PriceDB) SavePrice(blockID, price uint64) error {
	return d.storage.put(u64Key(pricePrefix, blockID), u64Value(price))
}

// GetPrice returns the stored price for the block, or found=false.
func (d *PriceDB) GetPrice(blockID uint64) (uint64, bool, error) {
	raw, found, err := d.storage.get(u64Key(pricePrefix, blockID))
	if err != nil || !found {
		return 0, false, err
	}
	return binary.LittleEndian.Uint64(raw), true, nil
}
