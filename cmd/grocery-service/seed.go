package main

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/grocery-service/internal/account"
	"github.com/vasiliy-maslov/grocery-service/internal/catalog"
	"github.com/vasiliy-maslov/grocery-service/internal/config"
)

// seed loads the configured products and accounts into memory storage.
func seed(ctx context.Context, cfg config.SeedConfig, products catalog.Repository, accounts account.Repository) error {
	for _, sp := range cfg.Products {
		p, err := toProduct(sp)
		if err != nil {
			return err
		}
		if err := products.Create(ctx, p); err != nil {
			return fmt.Errorf("seed: failed to create product %q: %w", sp.Name, err)
		}
		log.Debug().Stringer("product_id", p.ID).Str("name", p.Name).Int("stock", p.Stock).Msg("seed: product loaded")
	}

	for _, sa := range cfg.Accounts {
		a, err := toAccount(sa)
		if err != nil {
			return err
		}
		if err := accounts.Create(ctx, a); err != nil {
			return fmt.Errorf("seed: failed to create account %q: %w", sa.Name, err)
		}
		log.Debug().Stringer("account_id", a.ID).Stringer("role", a.Role).Msg("seed: account loaded")
	}

	log.Info().Int("products", len(cfg.Products)).Int("accounts", len(cfg.Accounts)).Msg("Memory storage seeded")
	return nil
}

func toProduct(sp config.SeedProduct) (*catalog.Product, error) {
	id, err := parseSeedID(sp.ID)
	if err != nil {
		return nil, fmt.Errorf("seed: product %q: %w", sp.Name, err)
	}
	price, err := decimal.NewFromString(sp.Price)
	if err != nil {
		return nil, fmt.Errorf("seed: product %q: invalid price %q: %w", sp.Name, sp.Price, err)
	}
	if err := catalog.ValidatePrice(price); err != nil {
		return nil, fmt.Errorf("seed: product %q: %w", sp.Name, err)
	}
	if sp.Stock < 0 {
		return nil, fmt.Errorf("seed: product %q: stock must not be negative", sp.Name)
	}
	return &catalog.Product{
		ID:       id,
		Name:     sp.Name,
		Unit:     sp.Unit,
		Category: sp.Category,
		Price:    price,
		Stock:    sp.Stock,
		IsActive: sp.Active,
	}, nil
}

func toAccount(sa config.SeedAccount) (*account.Account, error) {
	id, err := parseSeedID(sa.ID)
	if err != nil {
		return nil, fmt.Errorf("seed: account %q: %w", sa.Name, err)
	}
	role := account.Role(sa.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("seed: account %q: unknown role %q", sa.Name, sa.Role)
	}
	return &account.Account{ID: id, Name: sa.Name, Role: role, IsActive: sa.Active}, nil
}

// parseSeedID accepts an empty id, leaving generation to the repository.
func parseSeedID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
