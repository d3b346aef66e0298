// Package catalog exposes the product data the order core reads and the stock
// primitives it mutates. Product lifecycle itself is owned elsewhere.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// Money columns are NUMERIC(12, 2).
const PriceScale = 2

// MaxAmount is the largest price, subtotal or total the schema can store.
var MaxAmount = decimal.RequireFromString("9999999999.99")

var ErrInvalidPrice = errors.New("invalid price")

// ValidatePrice rejects prices the money columns would reject or round.
func ValidatePrice(price decimal.Decimal) error {
	switch {
	case price.IsNegative():
		return fmt.Errorf("%w: %s is negative", ErrInvalidPrice, price)
	case !price.Truncate(PriceScale).Equal(price):
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidPrice, price, PriceScale)
	case price.GreaterThan(MaxAmount):
		return fmt.Errorf("%w: %s exceeds %s", ErrInvalidPrice, price, MaxAmount)
	}
	return nil
}

type Product struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Unit      string          `json:"unit" db:"unit"`
	Category  string          `json:"category" db:"category"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Stock     int             `json:"stock" db:"stock"`
	IsActive  bool            `json:"is_active" db:"is_active"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// StockChange is the committed before/after value of a stock mutation.
type StockChange struct {
	ProductID uuid.UUID
	OldStock  int
	NewStock  int
}
