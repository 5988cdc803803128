package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"servicebay/internal/config"
	"servicebay/internal/engine"
	"servicebay/internal/engine/payment"
	"servicebay/internal/events"
	"servicebay/internal/repo"
)

// DefaultShopID is used when the store has no shop config yet.
const DefaultShopID = "main"

// ResolveShopConfig loads the shop config from the store, seeding the default
// config when none exists. It prefers shopOverride, then the single shop in the store.
func ResolveShopConfig(ctx context.Context, shopOverride, actorID string, r repo.Repo) (*config.Config, error) {
	shopID := shopOverride
	if shopID == "" {
		id, err := r.SingleShopID(ctx)
		switch {
		case err == nil:
			shopID = id
		case errors.Is(err, repo.ErrNotFound):
			shopID = DefaultShopID
		default:
			return nil, err
		}
	}
	cfg, err := r.GetShopConfig(ctx, shopID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg = config.Default(shopID)
	if err := ImportConfig(ctx, r, cfg, actorID); err != nil {
		return nil, fmt.Errorf("seed shop config: %w", err)
	}
	return cfg, nil
}

// ImportConfig stores cfg for its shop and records the change.
func ImportConfig(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertShopConfigTx(ctx, tx, cfg); err != nil {
		return err
	}
	if err := (events.Writer{}).Append(ctx, tx, "config.imported", events.KindConfig, cfg.Shop.ID, actorID,
		events.EventPayload{"bays": cfg.Bays}); err != nil {
		return err
	}
	return tx.Commit()
}

// Bootstrap resolves the shop config, builds the engine and makes sure the
// configured bays exist.
func Bootstrap(ctx context.Context, conn *sqlx.DB, shopOverride, actorID string, log logrus.FieldLogger) (engine.Engine, error) {
	r := repo.Repo{DB: conn}
	cfg, err := ResolveShopConfig(ctx, shopOverride, actorID, r)
	if err != nil {
		return engine.Engine{}, err
	}
	e := engine.New(conn, cfg, log)
	if err := e.Pool.SeedBays(ctx, actorID, cfg.Bays); err != nil {
		return engine.Engine{}, fmt.Errorf("seed bays: %w", err)
	}
	return e, nil
}

// NewCoordinator builds the payment coordinator for the configured gateway.
func NewCoordinator(conn *sqlx.DB, cfg *config.Config, env config.Env, log logrus.FieldLogger) payment.Coordinator {
	var gw payment.Gateway = payment.LocalGateway{}
	if cfg != nil && cfg.Payments.Gateway == "razorpay" {
		gw = payment.RazorpayGateway{
			BaseURL:   cfg.Payments.BaseURL,
			KeyID:     env.PaymentKeyID,
			KeySecret: env.PaymentKeySecret,
			Client:    &http.Client{},
		}
	}
	c := payment.New(conn, gw, env.PaymentKeyID, env.PaymentKeySecret, log)
	if cfg != nil && cfg.Payments.Timeout > 0 {
		c.Timeout = cfg.Payments.Timeout
	}
	return c
}
