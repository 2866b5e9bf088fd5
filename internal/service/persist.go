package service

import (
	"context"

	"ageverif_gateway/types"

	"go.uber.org/zap"
)

// PersistInput is what is known about the owner of the evidence. CustomerGID
// wins over the order's own customer.
type PersistInput struct {
	CustomerGID string
	Order       *types.Order
	OrderNumber string
}

// Persist attaches evidence to the best available record: the customer, then
// the order, then the local ledger alone. Writes are upserts on a fixed
// metafield key, so persisting the same evidence twice leaves one record.
func (s *verificationService) Persist(ctx context.Context, in PersistInput, evidence types.Evidence) (*types.PersistResult, error) {
	result := &types.PersistResult{Evidence: evidence}

	customer := in.CustomerGID
	if customer == "" && in.Order != nil {
		customer = in.Order.CustomerGID
	}

	if customer == "" && in.Order != nil && in.Order.Email != "" && s.admin != nil {
		gid, created, err := s.admin.CreateCustomer(ctx, in.Order.Email)
		if err != nil {
			s.logger.Warn("customer creation failed, attaching to order", zap.Error(err), zap.String("order", in.Order.Name))
		} else {
			customer = gid
			result.CustomerCreated = created
		}
	}

	switch {
	case customer != "" && s.admin != nil:
		if err := s.admin.SetEvidence(ctx, customer, s.settings.MetafieldNamespace, s.settings.MetafieldKey, evidence); err != nil {
			s.logger.Error("failed to set customer evidence", zap.Error(err), zap.String("customer", customer))
			return nil, newError(KindUpstream, "failed to persist evidence", err)
		}
		result.Target = types.PersistTargetCustomer
		result.OwnerID = customer
		result.Key = customer

	case in.Order != nil && s.admin != nil:
		if err := s.admin.SetEvidence(ctx, in.Order.ID, s.settings.MetafieldNamespace, s.settings.OrderMetafieldKey, evidence); err != nil {
			s.logger.Error("failed to set order evidence", zap.Error(err), zap.String("order", in.Order.Name))
			return nil, newError(KindUpstream, "failed to persist evidence", err)
		}
		result.Target = types.PersistTargetOrder
		result.OwnerID = in.Order.ID
		result.Key = in.Order.Name

	default:
		result.Target = types.PersistTargetLedger
		result.OwnerID = customer
		switch {
		case customer != "":
			result.Key = customer
		case in.OrderNumber != "":
			result.Key = types.NormalizeOrderName(in.OrderNumber)
		}
	}

	orderName := types.NormalizeOrderName(in.OrderNumber)
	if in.Order != nil {
		orderName = in.Order.Name
	}

	if err := s.record(ctx, result, orderName); err != nil {
		if result.Target == types.PersistTargetLedger {
			return nil, err
		}
		// Запись в магазине уже есть, журнал вторичен
		s.logger.Warn("ledger write failed", zap.Error(err), zap.String("key", result.Key))
	}

	s.metrics.EvidencePersisted(string(result.Target), string(evidence.Source))

	if s.nats != nil {
		if err := s.nats.PublishEvidenceRecorded(ctx, result); err != nil {
			s.logger.Warn("failed to publish evidence event", zap.Error(err))
		}
	}

	return result, nil
}

// record writes the audit copy. Evidence without any owner is keyed by its
// hash so unrelated anonymous verifications do not overwrite each other.
// When the owner key is not the order name, a second row under orderName lets
// a status lookup by order find evidence that went to a customer.
func (s *verificationService) record(ctx context.Context, result *types.PersistResult, orderName string) error {
	if s.repo == nil {
		if result.Target == types.PersistTargetLedger {
			return newError(KindConfiguration, "no evidence store configured", nil)
		}
		return nil
	}

	ev := result.Evidence
	key := result.Key
	if key == "" {
		key = "evidence:" + ev.Hash()
	}

	keys := []string{key}
	if orderName != "" && orderName != key {
		keys = append(keys, orderName)
	}

	for _, k := range keys {
		rec := &types.LedgerRecord{
			TargetKey:      k,
			Target:         result.Target,
			OwnerID:        result.OwnerID,
			UID:            ev.UID,
			AssuranceLevel: ev.AssuranceLevel,
			Source:         ev.Source,
			EvidenceHash:   ev.Hash(),
			VerifiedAt:     parseTimestamp(ev.Timestamp, s.now()),
		}
		if _, err := s.repo.Upsert(ctx, rec); err != nil {
			return newError(KindUpstream, "failed to persist evidence", err)
		}
	}
	return nil
}
