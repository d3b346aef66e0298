// Package pricing turns requested items into an authoritative, priced order payload.
package pricing

import (
	"context"
	"errors"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/grocery-service/internal/apperror"
	"github.com/vasiliy-maslov/grocery-service/internal/catalog"
)

// Line-level rejection reasons.
const (
	ReasonNotFound          = "not_found"
	ReasonInactive          = "inactive"
	ReasonInsufficientStock = "insufficient_stock"
	ReasonInvalidQuantity   = "invalid_quantity"
	ReasonDuplicateLine     = "duplicate_line"
)

type Item struct {
	ProductID uuid.UUID
	Quantity  int
}

// Validation holds the resolved product snapshots and the lines that failed.
type Validation struct {
	Products map[uuid.UUID]catalog.Product
	Problems []apperror.LineProblem
}

func (v Validation) OK() bool {
	return len(v.Problems) == 0
}

// Line is a priced order line with its catalog snapshot.
type Line struct {
	ProductID uuid.UUID
	Name      string
	Unit      string
	Category  string
	UnitPrice decimal.Decimal
	Quantity  int
	Subtotal  decimal.Decimal
}

type Priced struct {
	Lines []Line
	Total decimal.Decimal
}

type Service interface {
	Validate(ctx context.Context, items []Item) (Validation, error)
	PriceOrder(items []Item, products map[uuid.UUID]catalog.Product) (Priced, error)
}

type service struct {
	catalog catalog.Reader
}

func NewService(reader catalog.Reader) Service {
	return &service{catalog: reader}
}

// Validate checks every line independently. The returned error is reserved
// for malformed requests and catalog faults; unfulfillable lines go to Problems.
func (s *service) Validate(ctx context.Context, items []Item) (Validation, error) {
	const op = "pricing.Validate"

	if len(items) == 0 {
		return Validation{}, apperror.Validation(op, apperror.FieldProblem{Field: "items", Message: "at least one item is required"})
	}

	result := Validation{Products: make(map[uuid.UUID]catalog.Product, len(items))}
	seen := make(map[uuid.UUID]bool, len(items))

	for _, item := range items {
		if seen[item.ProductID] {
			result.Problems = append(result.Problems, apperror.LineProblem{ProductID: item.ProductID, Reason: ReasonDuplicateLine})
			continue
		}
		seen[item.ProductID] = true

		if item.Quantity < 1 {
			result.Problems = append(result.Problems, apperror.LineProblem{ProductID: item.ProductID, Reason: ReasonInvalidQuantity, Requested: item.Quantity})
			continue
		}

		product, err := s.catalog.GetByID(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				result.Problems = append(result.Problems, apperror.LineProblem{ProductID: item.ProductID, Reason: ReasonNotFound})
				continue
			}
			log.Error().Err(err).Stringer("product_id", item.ProductID).Msg("pricing: failed to read product")
			return Validation{}, apperror.Internal(op, err)
		}

		switch {
		case !product.IsActive:
			result.Problems = append(result.Problems, apperror.LineProblem{ProductID: item.ProductID, Reason: ReasonInactive})
		case item.Quantity > product.Stock:
			result.Problems = append(result.Problems, apperror.LineProblem{
				ProductID: item.ProductID,
				Reason:    ReasonInsufficientStock,
				Requested: item.Quantity,
				Available: product.Stock,
			})
		default:
			result.Products[item.ProductID] = *product
		}
	}

	return result, nil
}

func (s *service) PriceOrder(items []Item, products map[uuid.UUID]catalog.Product) (Priced, error) {
	return PriceOrder(items, products)
}

// PriceOrder prices items from the given snapshots. It never consults the
// client for a price and never touches stock.
func PriceOrder(items []Item, products map[uuid.UUID]catalog.Product) (Priced, error) {
	priced := Priced{
		Lines: make([]Line, 0, len(items)),
		Total: decimal.Zero,
	}

	var missing []apperror.LineProblem
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			missing = append(missing, apperror.LineProblem{ProductID: item.ProductID, Reason: ReasonNotFound})
			continue
		}

		subtotal := p.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		priced.Lines = append(priced.Lines, Line{
			ProductID: p.ID,
			Name:      p.Name,
			Unit:      p.Unit,
			Category:  p.Category,
			UnitPrice: p.Price,
			Quantity:  item.Quantity,
			Subtotal:  subtotal,
		})
		priced.Total = priced.Total.Add(subtotal)
	}

	if len(missing) > 0 {
		return Priced{}, apperror.InvalidLines("pricing.PriceOrder", missing)
	}
	if priced.Total.GreaterThan(catalog.MaxAmount) {
		return Priced{}, apperror.Validation("pricing.PriceOrder", apperror.FieldProblem{
			Field:   "items",
			Message: "order total exceeds " + catalog.MaxAmount.String(),
		})
	}
	return priced, nil
}
