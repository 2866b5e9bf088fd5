package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"ageverif_gateway/internal/admin"
	"ageverif_gateway/internal/dedupe"
	"ageverif_gateway/internal/messaging"
	"ageverif_gateway/internal/metrics"
	"ageverif_gateway/internal/repository"
	"ageverif_gateway/internal/verifier"
	"ageverif_gateway/internal/webhook"
	"ageverif_gateway/types"

	"go.uber.org/zap"
)

type VerificationService interface {
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error)
	HandleWebhook(ctx context.Context, raw []byte, signature string) (*WebhookResponse, error)
	Status(ctx context.Context, orderNumber string) (*StatusResponse, error)
	SetMetafield(ctx context.Context, raw []byte, signature string) (*VerifyResponse, error)
	Persist(ctx context.Context, in PersistInput, evidence types.Evidence) (*types.PersistResult, error)
}

type VerifyRequest struct {
	Token            string `json:"token"`
	OrderNumber      string `json:"orderNumber,omitempty"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
}

type VerifyResponse struct {
	OK                bool                 `json:"ok"`
	Result            *types.PersistResult `json:"result"`
	CustomerGID       string               `json:"customerGid,omitempty"`
	CustomerNumericID string               `json:"customerNumericId,omitempty"`
	Order             *types.Order         `json:"order,omitempty"`
}

type WebhookResponse struct {
	OK        bool                 `json:"ok"`
	Duplicate bool                 `json:"duplicate,omitempty"`
	Trust     webhook.TrustKind    `json:"trust,omitempty"`
	Result    *types.PersistResult `json:"result,omitempty"`
}

type StatusResponse struct {
	Verified bool            `json:"verified"`
	Evidence *types.Evidence `json:"evidence,omitempty"`
	Source   string          `json:"source,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Settings are the metafield coordinates evidence is stored under.
type Settings struct {
	MetafieldNamespace string
	MetafieldKey       string
	OrderMetafieldKey  string
}

// Deps собирает зависимости сервиса. Admin равен nil, если API магазина не
// настроено; Deduper по умолчанию пропускает все доставки.
type Deps struct {
	Admin     admin.Client
	Verifier  verifier.TokenVerifier
	Validator *webhook.Validator
	Repo      repository.EvidenceRepository
	NATS      messaging.NATSClient
	Deduper   dedupe.Deduper
	Metrics   *metrics.Metrics
	Settings  Settings
	Logger    *zap.Logger
}

type verificationService struct {
	admin     admin.Client
	verifier  verifier.TokenVerifier
	validator *webhook.Validator
	repo      repository.EvidenceRepository
	nats      messaging.NATSClient
	deduper   dedupe.Deduper
	metrics   *metrics.Metrics
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
}

func NewVerificationService(deps Deps) VerificationService {
	deduper := deps.Deduper
	if deduper == nil {
		deduper = dedupe.Noop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &verificationService{
		admin:     deps.Admin,
		verifier:  deps.Verifier,
		validator: deps.Validator,
		repo:      deps.Repo,
		nats:      deps.NATS,
		deduper:   deduper,
		metrics:   m,
		settings:  deps.Settings,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

func (s *verificationService) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		s.metrics.VerifyOutcome("missing_token")
		return nil, newError(KindValidation, "missing token", nil)
	}

	result, err := s.verifier.VerifyToken(ctx, token)
	if err != nil {
		s.logger.Error("token verification failed", zap.Error(err))
		s.metrics.VerifyOutcome("upstream_error")
		return nil, newError(KindUpstream, "verification failed", err)
	}
	if result == nil {
		s.metrics.VerifyOutcome("invalid_token")
		return nil, newError(KindAuthentication, "invalid token", nil)
	}

	source := types.EvidenceSourceVerify
	if result.Mock {
		source = types.EvidenceSourceManualTest
	}
	evidence := types.NewEvidence(result.UID, result.AssuranceLevel, source, result.VerifiedAt)

	// Ошибка поиска заказа не фатальна: продолжаем без контекста заказа
	order := s.lookupOrder(ctx, req.OrderNumber, req.ConfirmationCode)

	persisted, err := s.Persist(ctx, PersistInput{Order: order, OrderNumber: req.OrderNumber}, evidence)
	if err != nil {
		s.metrics.VerifyOutcome("persist_error")
		return nil, err
	}

	s.metrics.VerifyOutcome("ok")
	s.logger.Info("age verification recorded",
		zap.String("order", req.OrderNumber),
		zap.String("target", string(persisted.Target)),
		zap.String("source", string(source)))

	resp := &VerifyResponse{
		OK:     true,
		Result: persisted,
		Order:  order,
	}
	if persisted.Target == types.PersistTargetCustomer {
		resp.CustomerGID = persisted.OwnerID
		resp.CustomerNumericID = types.NumericID(persisted.OwnerID)
	}
	return resp, nil
}

func (s *verificationService) HandleWebhook(ctx context.Context, raw []byte, signature string) (*WebhookResponse, error) {
	if s.admin == nil {
		s.metrics.WebhookOutcome("not_configured")
		return nil, newError(KindConfiguration, "admin API not configured", nil)
	}

	verified, err := s.validator.Validate(ctx, raw, signature)
	if err != nil {
		var rej *webhook.Rejection
		if errors.As(err, &rej) {
			s.logger.Warn("webhook rejected", zap.String("reason", string(rej.Reason)))
			s.metrics.WebhookOutcome(string(rej.Reason))
			return nil, newError(KindValidation, rej.Error(), rej.Err)
		}
		s.logger.Error("webhook token verification failed", zap.Error(err))
		s.metrics.WebhookOutcome("upstream_error")
		return nil, newError(KindUpstream, "verification failed", err)
	}

	p := verified.Payload
	if strings.TrimSpace(p.OrderNumber) == "" && strings.TrimSpace(p.CustomerID) == "" {
		s.metrics.WebhookOutcome("missing_target")
		return nil, newError(KindValidation, "missing orderNumber or customerId", nil)
	}

	first, err := s.deduper.FirstSeen(ctx, raw)
	if err != nil {
		// Дедупликация необязательна: хранилище идемпотентно
		s.logger.Warn("webhook dedupe unavailable", zap.Error(err))
		first = true
	}
	if !first {
		s.metrics.WebhookOutcome("duplicate")
		return &WebhookResponse{OK: true, Duplicate: true, Trust: verified.Kind}, nil
	}

	order := s.lookupOrder(ctx, p.OrderNumber, p.ConfirmationCode)

	persisted, err := s.Persist(ctx, PersistInput{
		CustomerGID: types.CustomerGID(p.CustomerID),
		Order:       order,
		OrderNumber: p.OrderNumber,
	}, verified.Evidence)
	if err != nil {
		// Повтор той же доставки должен снова дойти до сохранения
		if ferr := s.deduper.Forget(ctx, raw); ferr != nil {
			s.logger.Warn("failed to release webhook delivery", zap.Error(ferr))
		}
		s.metrics.WebhookOutcome("persist_error")
		return nil, err
	}

	s.metrics.WebhookOutcome("ok")
	s.logger.Info("webhook verification recorded",
		zap.String("trust", string(verified.Kind)),
		zap.String("target", string(persisted.Target)))
	return &WebhookResponse{OK: true, Trust: verified.Kind, Result: persisted}, nil
}

func (s *verificationService) Status(ctx context.Context, orderNumber string) (*StatusResponse, error) {
	if strings.TrimSpace(orderNumber) == "" {
		return nil, newError(KindValidation, "missing order", nil)
	}
	if s.admin == nil {
		return nil, newError(KindConfiguration, "admin API not configured", nil)
	}

	order, err := s.admin.FindOrder(ctx, orderNumber, "")
	if err != nil {
		return nil, newError(KindUpstream, "order lookup failed", err)
	}
	if order == nil {
		return nil, newError(KindNotFound, "order not found", nil)
	}

	if order.CustomerGID != "" {
		ev, err := s.admin.CustomerEvidence(ctx, order.CustomerGID, s.settings.MetafieldNamespace, s.settings.MetafieldKey)
		if err != nil {
			return nil, newError(KindUpstream, "customer lookup failed", err)
		}
		if ev != nil {
			return &StatusResponse{Verified: true, Evidence: ev, Source: string(types.PersistTargetCustomer)}, nil
		}
	}

	ev, err := s.admin.OrderEvidence(ctx, order.ID, s.settings.MetafieldNamespace, s.settings.OrderMetafieldKey)
	if err != nil {
		return nil, newError(KindUpstream, "order metafield lookup failed", err)
	}
	if ev != nil {
		return &StatusResponse{Verified: true, Evidence: ev, Source: string(types.PersistTargetOrder)}, nil
	}

	// Запись могла попасть только в локальный журнал
	for _, key := range []string{order.CustomerGID, order.Name} {
		if key == "" || s.repo == nil {
			continue
		}
		rec, err := s.repo.GetByKey(ctx, key)
		if err != nil {
			s.logger.Warn("ledger lookup failed", zap.Error(err), zap.String("key", key))
			continue
		}
		if rec != nil {
			ev := rec.Evidence()
			return &StatusResponse{Verified: true, Evidence: &ev, Source: string(types.PersistTargetLedger)}, nil
		}
	}

	return &StatusResponse{Verified: false, Message: "no verification on record"}, nil
}

type setMetafieldRequest struct {
	OrderNumber      string `json:"orderNumber"`
	ConfirmationCode string `json:"confirmationCode"`
	CustomerID       string `json:"customerId"`
	UID              string `json:"uid"`
	AssuranceLevel   string `json:"assuranceLevel"`
}

func (s *verificationService) SetMetafield(ctx context.Context, raw []byte, signature string) (*VerifyResponse, error) {
	if s.admin == nil {
		return nil, newError(KindConfiguration, "admin API not configured", nil)
	}
	if !s.validator.SignatureValid(raw, signature) {
		return nil, newError(KindAuthentication, "invalid signature", nil)
	}

	var req setMetafieldRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, newError(KindValidation, "invalid JSON body", err)
	}
	if strings.TrimSpace(req.OrderNumber) == "" && strings.TrimSpace(req.CustomerID) == "" {
		return nil, newError(KindValidation, "missing orderNumber or customerId", nil)
	}

	var order *types.Order
	if req.OrderNumber != "" {
		var err error
		order, err = s.admin.FindOrder(ctx, req.OrderNumber, req.ConfirmationCode)
		if err != nil {
			return nil, newError(KindUpstream, "order lookup failed", err)
		}
		if order == nil && req.CustomerID == "" {
			return nil, newError(KindNotFound, "order not found", nil)
		}
	}

	uid := req.UID
	if uid == "" {
		uid = "manual"
	}
	evidence := types.NewEvidence(uid, types.AssuranceLevel(strings.ToUpper(req.AssuranceLevel)), types.EvidenceSourceManualTest, s.now())

	persisted, err := s.Persist(ctx, PersistInput{
		CustomerGID: types.CustomerGID(req.CustomerID),
		Order:       order,
		OrderNumber: req.OrderNumber,
	}, evidence)
	if err != nil {
		return nil, err
	}

	s.logger.Info("evidence set manually", zap.String("target", string(persisted.Target)), zap.String("key", persisted.Key))
	resp := &VerifyResponse{OK: true, Result: persisted, Order: order}
	if persisted.Target == types.PersistTargetCustomer {
		resp.CustomerGID = persisted.OwnerID
		resp.CustomerNumericID = types.NumericID(persisted.OwnerID)
	}
	return resp, nil
}

func (s *verificationService) lookupOrder(ctx context.Context, orderNumber, confirmationCode string) *types.Order {
	if strings.TrimSpace(orderNumber) == "" || s.admin == nil {
		return nil
	}
	order, err := s.admin.FindOrder(ctx, orderNumber, confirmationCode)
	if err != nil {
		s.logger.Warn("order lookup failed, continuing without order", zap.Error(err), zap.String("order", orderNumber))
		return nil
	}
	if order == nil {
		s.logger.Info("order not found, continuing without order", zap.String("order", orderNumber))
	}
	return order
}

func parseTimestamp(ts string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t
	}
	return fallback
}
