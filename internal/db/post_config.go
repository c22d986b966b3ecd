package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GetPostConfig returns the settings for a post or ErrNotFound.
func (r *Repository) GetPostConfig(ctx context.Context, postID string) (*PostConfig, error) {
	query := `
		SELECT post_id, tenant_id, keyword, message_template,
			button_title, button_link, created_at, updated_at
		FROM post_configs
		WHERE post_id = $1
	`

	var pc PostConfig
	err := r.db.Pool().QueryRow(ctx, query, postID).Scan(
		&pc.PostID,
		&pc.TenantID,
		&pc.Keyword,
		&pc.MessageTemplate,
		&pc.ButtonTitle,
		&pc.ButtonLink,
		&pc.CreatedAt,
		&pc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("post config %s: %w", postID, ErrNotFound)
	}
	if err != nil {
		return nil, classify("query post config", err)
	}
	return &pc, nil
}

// UpsertPostConfig creates or replaces the settings for a post.
func (r *Repository) UpsertPostConfig(ctx context.Context, pc *PostConfig) error {
	query := `
		INSERT INTO post_configs (
			post_id, tenant_id, keyword, message_template,
			button_title, button_link, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (post_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			keyword = EXCLUDED.keyword,
			message_template = EXCLUDED.message_template,
			button_title = EXCLUDED.button_title,
			button_link = EXCLUDED.button_link,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		pc.PostID,
		pc.TenantID,
		pc.Keyword,
		pc.MessageTemplate,
		pc.ButtonTitle,
		pc.ButtonLink,
		r.now(),
	).Scan(&pc.CreatedAt, &pc.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to upsert post config",
			zap.Error(err),
			zap.String("post_id", pc.PostID),
		)
		return classify("upsert post config", err)
	}

	r.logger.Info("post config saved",
		zap.String("post_id", pc.PostID),
		zap.String("keyword", pc.Keyword),
	)
	return nil
}

// DeletePostConfig removes the settings for a post.
func (r *Repository) DeletePostConfig(ctx context.Context, postID string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM post_configs WHERE post_id = $1`, postID)
	if err != nil {
		return classify("delete post config", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("post config %s: %w", postID, ErrNotFound)
	}
	return nil
}

// ListPostConfigs lists settings, optionally for a single tenant.
func (r *Repository) ListPostConfigs(ctx context.Context, tenantID string, limit, offset int) ([]*PostConfig, error) {
	query := `
		SELECT post_id, tenant_id, keyword, message_template,
			button_title, button_link, created_at, updated_at
		FROM post_configs
		WHERE ($1::text = '' OR tenant_id = $1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, classify("query post configs", err)
	}
	defer rows.Close()

	var configs []*PostConfig
	for rows.Next() {
		var pc PostConfig
		if err := rows.Scan(
			&pc.PostID,
			&pc.TenantID,
			&pc.Keyword,
			&pc.MessageTemplate,
			&pc.ButtonTitle,
			&pc.ButtonLink,
			&pc.CreatedAt,
			&pc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan post config: %w", err)
		}
		configs = append(configs, &pc)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate rows", err)
	}
	return configs, nil
}
