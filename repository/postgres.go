package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// PostgresRepository implements Repository over PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens and pings a PostgreSQL connection.
func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) GetAllTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	var t model.Tenant
	query := `SELECT id, name, slug, source, created_at FROM tenants WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(&t.ID, &t.Name, &t.Slug, &t.Source, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

const channelColumns = `id, tenant_id, type, name, credentials, webhook_secret, is_active, external_instance_id, last_sync_at, created_at`

func scanChannel(row interface{ Scan(...any) error }) (*model.Channel, error) {
	var c model.Channel
	var secret, extInstance sql.NullString
	var lastSync sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.Type, &c.Name, &c.Credentials, &secret,
		&c.IsActive, &extInstance, &lastSync, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.WebhookSecret = secret.String
	c.ExternalInstanceID = extInstance.String
	if lastSync.Valid {
		c.LastSyncAt = lastSync.Time
	}
	return &c, nil
}

func (r *PostgresRepository) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`
	c, err := scanChannel(r.db.QueryRowContext(ctx, query, channelID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) GetActiveChannels(ctx context.Context, tenantID string) ([]*model.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE tenant_id = $1 AND is_active ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (r *PostgresRepository) GetChannelByExternalInstance(ctx context.Context, channelType model.ChannelType, externalInstanceID string) (*model.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE type = $1 AND external_instance_id = $2`
	c, err := scanChannel(r.db.QueryRowContext(ctx, query, channelType, externalInstanceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel by external instance: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) UpdateChannelLastSync(ctx context.Context, channelID string, at time.Time) error {
	query := `UPDATE channels SET last_sync_at = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, at, channelID)
	if err != nil {
		return fmt.Errorf("failed to update last_sync_at: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const productColumns = `id, tenant_id, sku, name, current_stock, buffer_stock, metadata, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*model.Product, error) {
	var p model.Product
	var metadata []byte
	err := row.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.CurrentStock, &p.BufferStock, &metadata, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &p.Metadata)
	}
	return &p, nil
}

func (r *PostgresRepository) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	p, err := scanProduct(r.db.QueryRowContext(ctx, query, productID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) GetProducts(ctx context.Context, tenantID string) ([]*model.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE tenant_id = $1 ORDER BY sku`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *PostgresRepository) UpdateProductStock(ctx context.Context, productID string, newStock int) error {
	if newStock < 0 {
		newStock = 0
	}
	query := `UPDATE products SET current_stock = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, newStock, productID)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetMapping(ctx context.Context, tenantID, channelID, externalID string) (*model.ProductChannelMapping, error) {
	var m model.ProductChannelMapping
	query := `
		SELECT m.id, m.product_id, m.channel_id, m.external_id, m.external_sku
		FROM product_channel_mappings m
		JOIN products p ON p.id = m.product_id
		WHERE p.tenant_id = $1 AND m.channel_id = $2 AND m.external_id = $3
	`
	err := r.db.QueryRowContext(ctx, query, tenantID, channelID, externalID).
		Scan(&m.ID, &m.ProductID, &m.ChannelID, &m.ExternalID, &m.ExternalSKU)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return &m, nil
}

func (r *PostgresRepository) GetMappingsForProduct(ctx context.Context, productID string) ([]*model.ProductChannelMapping, error) {
	query := `SELECT id, product_id, channel_id, external_id, external_sku FROM product_channel_mappings WHERE product_id = $1`
	return r.queryMappings(ctx, query, productID)
}

func (r *PostgresRepository) GetMappingsForChannel(ctx context.Context, channelID string) ([]*model.ProductChannelMapping, error) {
	query := `SELECT id, product_id, channel_id, external_id, external_sku FROM product_channel_mappings WHERE channel_id = $1`
	return r.queryMappings(ctx, query, channelID)
}

func (r *PostgresRepository) queryMappings(ctx context.Context, query string, args ...any) ([]*model.ProductChannelMapping, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*model.ProductChannelMapping
	for rows.Next() {
		var m model.ProductChannelMapping
		if err := rows.Scan(&m.ID, &m.ProductID, &m.ChannelID, &m.ExternalID, &m.ExternalSKU); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

func (r *PostgresRepository) CreateSyncEvent(ctx context.Context, event *model.SyncEvent) error {
	return createSyncEvent(ctx, r.db, event)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func createSyncEvent(ctx context.Context, db execer, event *model.SyncEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO sync_events (id, tenant_id, event_type, channel_id, product_id, old_value, new_value, status, error_message, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), $10)
	`
	_, err := db.ExecContext(ctx, query,
		event.ID, event.TenantID, event.EventType, event.ChannelID, event.ProductID,
		[]byte(event.OldValue), []byte(event.NewValue), event.Status, event.ErrorMessage, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateSyncEventStatus(ctx context.Context, eventID string, status model.SyncStatus, errorMessage string) error {
	// The WHERE clause enforces the monotonic status progression; an illegal
	// transition simply matches no row.
	query := `
		UPDATE sync_events
		SET status = $1, error_message = NULLIF($2, '')
		WHERE id = $3
		  AND ((status = 'pending' AND $1 = 'processing')
		    OR (status = 'processing' AND $1 IN ('completed', 'failed')))
	`
	result, err := r.db.ExecContext(ctx, query, status, errorMessage, eventID)
	if err != nil {
		return fmt.Errorf("failed to update sync event status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("illegal status transition to %s for event %s", status, eventID)
	}
	return nil
}

func (r *PostgresRepository) ApplyStockChange(ctx context.Context, productID string, newStock int, event *model.SyncEvent) error {
	if newStock < 0 {
		newStock = 0
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE products SET current_stock = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		newStock, productID)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if event != nil {
		if err := createSyncEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *PostgresRepository) CreateAlert(ctx context.Context, alert *model.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	metadata, err := json.Marshal(alert.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal alert metadata: %w", err)
	}

	// The partial unique index on (tenant_id, type, product_id, channel_id)
	// WHERE NOT is_read backs the dedup invariant; a conflicting insert is a
	// no-op rather than an error so concurrent checks stay idempotent.
	query := `
		INSERT INTO alerts (id, tenant_id, type, product_id, channel_id, message, metadata, is_read, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, false, $8)
		ON CONFLICT DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		alert.ID, alert.TenantID, alert.Type, alert.ProductID, alert.ChannelID,
		alert.Message, metadata, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AlertExists(ctx context.Context, tenantID string, alertType model.AlertType, productID, channelID string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS(
			SELECT 1 FROM alerts
			WHERE tenant_id = $1 AND type = $2
			  AND product_id IS NOT DISTINCT FROM NULLIF($3, '')
			  AND channel_id IS NOT DISTINCT FROM NULLIF($4, '')
			  AND NOT is_read
		)
	`
	err := r.db.QueryRowContext(ctx, query, tenantID, alertType, productID, channelID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check alert existence: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) MarkAlertRead(ctx context.Context, alertID string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE alerts SET is_read = true WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ResolveAlert(ctx context.Context, tenantID string, alertType model.AlertType, productID, channelID string) error {
	query := `
		UPDATE alerts SET is_read = true
		WHERE tenant_id = $1 AND type = $2
		  AND product_id IS NOT DISTINCT FROM NULLIF($3, '')
		  AND channel_id IS NOT DISTINCT FROM NULLIF($4, '')
		  AND NOT is_read
	`
	if _, err := r.db.ExecContext(ctx, query, tenantID, alertType, productID, channelID); err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetAlertRules(ctx context.Context, tenantID string) ([]*model.AlertRule, error) {
	query := `SELECT id, tenant_id, threshold, product_ids, channel_ids, enabled FROM alert_rules WHERE tenant_id = $1`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.AlertRule
	for rows.Next() {
		var rule model.AlertRule
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.Threshold,
			pq.Array(&rule.ProductIDs), pq.Array(&rule.ChannelIDs), &rule.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)
