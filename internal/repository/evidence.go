package repository

import (
	"context"
	"errors"
	"fmt"

	"ageverif_gateway/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type EvidenceRepository interface {
	Upsert(ctx context.Context, record *types.LedgerRecord) (*types.LedgerRecord, error)
	GetByKey(ctx context.Context, key string) (*types.LedgerRecord, error)
}

type evidenceRepository struct {
	db     DB
	logger *zap.Logger
}

func NewEvidenceRepository(db DB, logger *zap.Logger) EvidenceRepository {
	return &evidenceRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert записывает доказательство по ключу цели. Повторная запись того же
// ключа обновляет существующую строку, а не добавляет новую.
func (r *evidenceRepository) Upsert(ctx context.Context, record *types.LedgerRecord) (*types.LedgerRecord, error) {
	query := `
		INSERT INTO evidence_ledger (id, target_key, target, owner_id, uid, assurance_level, source, evidence_hash, verified_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (target_key) DO UPDATE SET
			target = EXCLUDED.target,
			owner_id = EXCLUDED.owner_id,
			uid = EXCLUDED.uid,
			assurance_level = EXCLUDED.assurance_level,
			source = EXCLUDED.source,
			evidence_hash = EXCLUDED.evidence_hash,
			verified_at = EXCLUDED.verified_at,
			updated_at = now()
		RETURNING id, updated_at
	`

	stored := *record
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	err := r.db.QueryRow(ctx, query,
		stored.ID, stored.TargetKey, stored.Target, stored.OwnerID, stored.UID,
		stored.AssuranceLevel, stored.Source, stored.EvidenceHash, stored.VerifiedAt,
	).Scan(&stored.ID, &stored.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to upsert evidence", zap.Error(err), zap.String("target_key", record.TargetKey))
		return nil, fmt.Errorf("failed to upsert evidence: %w", err)
	}

	r.logger.Debug("evidence upserted", zap.String("id", stored.ID), zap.String("target_key", stored.TargetKey))
	return &stored, nil
}

// GetByKey возвращает nil без ошибки, если записи нет
func (r *evidenceRepository) GetByKey(ctx context.Context, key string) (*types.LedgerRecord, error) {
	query := `
		SELECT id, target_key, target, owner_id, uid, assurance_level, source, evidence_hash, verified_at, updated_at
		FROM evidence_ledger
		WHERE target_key = $1
	`

	var rec types.LedgerRecord
	err := r.db.QueryRow(ctx, query, key).Scan(
		&rec.ID, &rec.TargetKey, &rec.Target, &rec.OwnerID, &rec.UID,
		&rec.AssuranceLevel, &rec.Source, &rec.EvidenceHash, &rec.VerifiedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("failed to get evidence", zap.Error(err), zap.String("target_key", key))
		return nil, fmt.Errorf("failed to get evidence: %w", err)
	}

	return &rec, nil
}
