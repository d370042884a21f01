package commission

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ActiveRules(ctx context.Context) ([]Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rules []Rule
	err := r.db.SelectContext(ctx, &rules, `
		SELECT id, category_id, type, value, is_active, created_at
		FROM commission_rules
		WHERE is_active = true
	`)
	return rules, err
}

// StaticRules serves a fixed rule set.
type StaticRules []Rule

func (s StaticRules) ActiveRules(ctx context.Context) ([]Rule, error) {
	return s, nil
}
