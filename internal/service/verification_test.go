package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"ageverif_gateway/internal/messaging"
	"ageverif_gateway/internal/verifier"
	"ageverif_gateway/internal/webhook"
	"ageverif_gateway/types"

	"go.uber.org/zap/zaptest"
)

const testSecret = "whsec_test"

// Mock для admin.Client
type mockAdmin struct {
	findOrderFunc        func(ctx context.Context, orderNumber, confirmationCode string) (*types.Order, error)
	createCustomerFunc   func(ctx context.Context, email string) (string, bool, error)
	setEvidenceFunc      func(ctx context.Context, ownerGID, namespace, key string, evidence types.Evidence) error
	customerEvidenceFunc func(ctx context.Context, customerGID, namespace, key string) (*types.Evidence, error)
	orderEvidenceFunc    func(ctx context.Context, orderGID, namespace, key string) (*types.Evidence, error)

	stored map[string]types.Evidence
}

func (m *mockAdmin) FindOrder(ctx context.Context, orderNumber, confirmationCode string) (*types.Order, error) {
	if m.findOrderFunc != nil {
		return m.findOrderFunc(ctx, orderNumber, confirmationCode)
	}
	return nil, nil
}

func (m *mockAdmin) CreateCustomer(ctx context.Context, email string) (string, bool, error) {
	if m.createCustomerFunc != nil {
		return m.createCustomerFunc(ctx, email)
	}
	return "", false, errors.New("not implemented")
}

func (m *mockAdmin) SetEvidence(ctx context.Context, ownerGID, namespace, key string, evidence types.Evidence) error {
	if m.setEvidenceFunc != nil {
		return m.setEvidenceFunc(ctx, ownerGID, namespace, key, evidence)
	}
	if m.stored == nil {
		m.stored = make(map[string]types.Evidence)
	}
	m.stored[ownerGID+"/"+namespace+"."+key] = evidence
	return nil
}

func (m *mockAdmin) CustomerEvidence(ctx context.Context, customerGID, namespace, key string) (*types.Evidence, error) {
	if m.customerEvidenceFunc != nil {
		return m.customerEvidenceFunc(ctx, customerGID, namespace, key)
	}
	return nil, nil
}

func (m *mockAdmin) OrderEvidence(ctx context.Context, orderGID, namespace, key string) (*types.Evidence, error) {
	if m.orderEvidenceFunc != nil {
		return m.orderEvidenceFunc(ctx, orderGID, namespace, key)
	}
	return nil, nil
}

// Mock для TokenVerifier
type mockVerifier struct {
	verifyFunc func(ctx context.Context, token string) (*verifier.Verification, error)
	calls      int
}

func (m *mockVerifier) VerifyToken(ctx context.Context, token string) (*verifier.Verification, error) {
	m.calls++
	if m.verifyFunc != nil {
		return m.verifyFunc(ctx, token)
	}
	return nil, nil
}

// Mock для EvidenceRepository, хранит записи по target_key
type mockRepo struct {
	upsertFunc func(ctx context.Context, record *types.LedgerRecord) (*types.LedgerRecord, error)
	getFunc    func(ctx context.Context, key string) (*types.LedgerRecord, error)
	rows       map[string]*types.LedgerRecord
}

func (m *mockRepo) Upsert(ctx context.Context, record *types.LedgerRecord) (*types.LedgerRecord, error) {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, record)
	}
	if m.rows == nil {
		m.rows = make(map[string]*types.LedgerRecord)
	}
	cp := *record
	m.rows[record.TargetKey] = &cp
	return &cp, nil
}

func (m *mockRepo) GetByKey(ctx context.Context, key string) (*types.LedgerRecord, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, key)
	}
	return m.rows[key], nil
}

// Mock для NATSClient
type mockNATSClient struct {
	published []*types.PersistResult
	err       error
}

func (m *mockNATSClient) PublishEvidenceRecorded(ctx context.Context, result *types.PersistResult) error {
	m.published = append(m.published, result)
	return m.err
}

func (m *mockNATSClient) SubscribeToEvidenceRecorded(ctx context.Context, handler func(*messaging.EvidenceRecordedMessage)) error {
	return nil
}

func (m *mockNATSClient) Close() {}

type mockDeduper struct {
	seen map[string]bool
}

func (m *mockDeduper) FirstSeen(ctx context.Context, raw []byte) (bool, error) {
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[string(raw)] {
		return false, nil
	}
	m.seen[string(raw)] = true
	return true, nil
}

func (m *mockDeduper) Forget(ctx context.Context, raw []byte) error {
	delete(m.seen, string(raw))
	return nil
}

type fixture struct {
	admin    *mockAdmin
	verifier *mockVerifier
	repo     *mockRepo
	nats     *mockNATSClient
	dedupe   *mockDeduper
	svc      *verificationService
}

func newFixture(t *testing.T, withAdmin bool) *fixture {
	t.Helper()
	f := &fixture{
		admin:    &mockAdmin{},
		verifier: &mockVerifier{},
		repo:     &mockRepo{},
		nats:     &mockNATSClient{},
		dedupe:   &mockDeduper{},
	}
	// Как в main: тестовые токены только для Verify, вебхук проверяет у провайдера
	deps := Deps{
		Verifier:  verifier.WithDevTokens(f.verifier),
		Validator: webhook.NewValidator(testSecret, f.verifier),
		Repo:      f.repo,
		NATS:      f.nats,
		Deduper:   f.dedupe,
		Settings: Settings{
			MetafieldNamespace: "ageverif",
			MetafieldKey:       "verification",
			OrderMetafieldKey:  "verification",
		},
		Logger: zaptest.NewLogger(t),
	}
	if withAdmin {
		deps.Admin = f.admin
	}
	f.svc = NewVerificationService(deps).(*verificationService)
	f.svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func order1001(customer, email string) func(ctx context.Context, orderNumber, confirmationCode string) (*types.Order, error) {
	return func(ctx context.Context, orderNumber, confirmationCode string) (*types.Order, error) {
		if types.NormalizeOrderName(orderNumber) != "#1001" {
			return nil, nil
		}
		return &types.Order{
			ID:          "gid://shopify/Order/5001",
			Name:        "#1001",
			Email:       email,
			CustomerGID: customer,
		}, nil
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name           string
		req            VerifyRequest
		setup          func(f *fixture)
		expectedError  string
		expectedStatus int
		expectedTarget types.PersistTarget
		expectedOwner  string
		created        bool
	}{
		{
			name:           "missing_token",
			req:            VerifyRequest{OrderNumber: "1001"},
			expectedError:  "missing token",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "blank_token",
			req:            VerifyRequest{Token: "   "},
			expectedError:  "missing token",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid_token",
			req:            VerifyRequest{Token: "bogus"},
			expectedError:  "invalid token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "verifier_unavailable",
			req:  VerifyRequest{Token: "real"},
			setup: func(f *fixture) {
				f.verifier.verifyFunc = func(ctx context.Context, token string) (*verifier.Verification, error) {
					return nil, errors.New("connection refused")
				}
			},
			expectedError:  "verification failed",
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name: "existing_customer",
			req:  VerifyRequest{Token: "dev-mock-token", OrderNumber: "#1001"},
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("gid://shopify/Customer/42", "buyer@example.com")
			},
			expectedTarget: types.PersistTargetCustomer,
			expectedOwner:  "gid://shopify/Customer/42",
		},
		{
			name: "customer_created_for_order_email",
			req:  VerifyRequest{Token: "dev-mock-token", OrderNumber: "#1001"},
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("", "buyer@example.com")
				f.admin.createCustomerFunc = func(ctx context.Context, email string) (string, bool, error) {
					return "gid://shopify/Customer/77", true, nil
				}
			},
			expectedTarget: types.PersistTargetCustomer,
			expectedOwner:  "gid://shopify/Customer/77",
			created:        true,
		},
		{
			name: "order_without_email",
			req:  VerifyRequest{Token: "test-token", OrderNumber: "1001"},
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("", "")
			},
			expectedTarget: types.PersistTargetOrder,
			expectedOwner:  "gid://shopify/Order/5001",
		},
		{
			name: "customer_creation_fails",
			req:  VerifyRequest{Token: "dev-mock-token", OrderNumber: "1001"},
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("", "buyer@example.com")
				f.admin.createCustomerFunc = func(ctx context.Context, email string) (string, bool, error) {
					return "", false, errors.New("throttled")
				}
			},
			expectedTarget: types.PersistTargetOrder,
			expectedOwner:  "gid://shopify/Order/5001",
		},
		{
			name: "order_lookup_fails",
			req:  VerifyRequest{Token: "dev-mock-token", OrderNumber: "1001"},
			setup: func(f *fixture) {
				f.admin.findOrderFunc = func(ctx context.Context, orderNumber, confirmationCode string) (*types.Order, error) {
					return nil, errors.New("timeout")
				}
			},
			expectedTarget: types.PersistTargetLedger,
		},
		{
			name: "metafield_write_fails",
			req:  VerifyRequest{Token: "dev-mock-token", OrderNumber: "1001"},
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("gid://shopify/Customer/42", "")
				f.admin.setEvidenceFunc = func(ctx context.Context, ownerGID, namespace, key string, evidence types.Evidence) error {
					return errors.New("metafieldsSet failed")
				}
			},
			expectedError:  "failed to persist evidence",
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			if tt.setup != nil {
				tt.setup(f)
			}

			resp, err := f.svc.Verify(context.Background(), tt.req)

			if tt.expectedError != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, but got nil", tt.expectedError)
				}
				if !containsError(err, tt.expectedError) {
					t.Errorf("expected error containing %q, but got %q", tt.expectedError, err.Error())
				}
				if got := StatusCode(err); got != tt.expectedStatus {
					t.Errorf("expected status %d, but got %d", tt.expectedStatus, got)
				}
				if len(f.nats.published) != 0 {
					t.Errorf("expected no published events, but got %d", len(f.nats.published))
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !resp.OK {
				t.Error("expected ok=true")
			}
			if resp.Result.Target != tt.expectedTarget {
				t.Errorf("expected target %q, but got %q", tt.expectedTarget, resp.Result.Target)
			}
			if resp.Result.OwnerID != tt.expectedOwner {
				t.Errorf("expected owner %q, but got %q", tt.expectedOwner, resp.Result.OwnerID)
			}
			if resp.Result.CustomerCreated != tt.created {
				t.Errorf("expected customerCreated=%v, but got %v", tt.created, resp.Result.CustomerCreated)
			}
			if len(f.nats.published) != 1 {
				t.Errorf("expected 1 published event, but got %d", len(f.nats.published))
			}
		})
	}
}

func TestVerifyDevTokenEvidence(t *testing.T) {
	f := newFixture(t, true)
	f.admin.findOrderFunc = order1001("gid://shopify/Customer/42", "")

	resp, err := f.svc.Verify(context.Background(), VerifyRequest{Token: "dev-mock-token", OrderNumber: "#1001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev := resp.Result.Evidence
	if ev.UID != "dev-mock" || ev.AssuranceLevel != types.AssuranceLevelNone || ev.Source != types.EvidenceSourceManualTest {
		t.Errorf("unexpected dev evidence: %+v", ev)
	}
	if f.verifier.calls != 0 {
		t.Errorf("expected provider not to be called for dev token, but got %d calls", f.verifier.calls)
	}
	if resp.CustomerGID != "gid://shopify/Customer/42" || resp.CustomerNumericID != "42" {
		t.Errorf("unexpected customer ids %q / %q", resp.CustomerGID, resp.CustomerNumericID)
	}
	if resp.Order == nil || resp.Order.Name != "#1001" {
		t.Errorf("expected order #1001 in response, got %+v", resp.Order)
	}
	if _, ok := f.admin.stored["gid://shopify/Customer/42/ageverif.verification"]; !ok {
		t.Errorf("expected customer metafield to be written, got %v", f.admin.stored)
	}
}

func TestVerifyRealTokenSource(t *testing.T) {
	f := newFixture(t, true)
	f.verifier.verifyFunc = func(ctx context.Context, token string) (*verifier.Verification, error) {
		return &verifier.Verification{UID: "av-123", AssuranceLevel: types.AssuranceLevelHigh, VerifiedAt: time.Now()}, nil
	}

	resp, err := f.svc.Verify(context.Background(), VerifyRequest{Token: "widget-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Result.Evidence.Source != types.EvidenceSourceVerify {
		t.Errorf("expected source verify, got %q", resp.Result.Evidence.Source)
	}
	if resp.Result.Target != types.PersistTargetLedger {
		t.Errorf("expected ledger target without order, got %q", resp.Result.Target)
	}
}

func TestVerifyWithoutAdmin(t *testing.T) {
	f := newFixture(t, false)

	resp, err := f.svc.Verify(context.Background(), VerifyRequest{Token: "dev-mock-token", OrderNumber: "1001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Result.Target != types.PersistTargetLedger {
		t.Errorf("expected ledger target, got %q", resp.Result.Target)
	}
	if resp.Result.Key != "#1001" {
		t.Errorf("expected key #1001, got %q", resp.Result.Key)
	}
	if _, ok := f.repo.rows["#1001"]; !ok {
		t.Error("expected ledger row for #1001")
	}
}

func TestVerifyThenStatusForCreatedCustomer(t *testing.T) {
	f := newFixture(t, true)
	f.admin.findOrderFunc = order1001("", "buyer@example.com")
	f.admin.createCustomerFunc = func(ctx context.Context, email string) (string, bool, error) {
		return "gid://shopify/Customer/77", true, nil
	}

	resp, err := f.svc.Verify(context.Background(), VerifyRequest{Token: "dev-mock-token", OrderNumber: "1001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Result.CustomerCreated || resp.Result.Target != types.PersistTargetCustomer {
		t.Fatalf("expected evidence on a created customer, got %+v", resp.Result)
	}
	if _, ok := f.repo.rows["#1001"]; !ok {
		t.Errorf("expected ledger row under order name, got %v", f.repo.rows)
	}

	// Заказ по-прежнему без покупателя: статус находит запись через номер заказа
	status, err := f.svc.Status(context.Background(), "#1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Verified {
		t.Fatalf("expected verified status right after verify, got %+v", status)
	}
	if status.Evidence.UID != resp.Result.Evidence.UID {
		t.Errorf("expected uid %q, but got %q", resp.Result.Evidence.UID, status.Evidence.UID)
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ev := types.NewEvidence("av-1", types.AssuranceLevelSubstantial, types.EvidenceSourceWebhook, time.Now())
	in := PersistInput{CustomerGID: "gid://shopify/Customer/9"}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Persist(context.Background(), in, ev); err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", i+1, err)
		}
	}

	if len(f.admin.stored) != 1 {
		t.Errorf("expected 1 stored metafield, but got %d", len(f.admin.stored))
	}
	if len(f.repo.rows) != 1 {
		t.Errorf("expected 1 ledger row, but got %d", len(f.repo.rows))
	}
}

func TestPersistLedgerFailure(t *testing.T) {
	ev := types.NewEvidence("av-1", types.AssuranceLevelLow, types.EvidenceSourceVerify, time.Now())
	ledgerDown := func(ctx context.Context, record *types.LedgerRecord) (*types.LedgerRecord, error) {
		return nil, errors.New("connection reset")
	}

	t.Run("platform_write_succeeded", func(t *testing.T) {
		f := newFixture(t, true)
		f.repo.upsertFunc = ledgerDown
		res, err := f.svc.Persist(context.Background(), PersistInput{CustomerGID: "gid://shopify/Customer/1"}, ev)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Target != types.PersistTargetCustomer {
			t.Errorf("expected customer target, got %q", res.Target)
		}
	})

	t.Run("ledger_only", func(t *testing.T) {
		f := newFixture(t, false)
		f.repo.upsertFunc = ledgerDown
		_, err := f.svc.Persist(context.Background(), PersistInput{OrderNumber: "1001"}, ev)
		if !IsKind(err, KindUpstream) {
			t.Errorf("expected upstream error, got %v", err)
		}
	})

	t.Run("anonymous_evidence_keyed_by_hash", func(t *testing.T) {
		f := newFixture(t, false)
		res, err := f.svc.Persist(context.Background(), PersistInput{}, ev)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Key != "" {
			t.Errorf("expected empty key, got %q", res.Key)
		}
		if _, ok := f.repo.rows["evidence:"+ev.Hash()]; !ok {
			t.Errorf("expected ledger row keyed by hash, got %v", f.repo.rows)
		}
	})
}

func TestHandleWebhook(t *testing.T) {
	signedBody := `{"customerId":"42","verification":{"uid":"av-9","assuranceLevel":"high","timestamp":"2026-02-01T10:00:00Z"}}`

	tests := []struct {
		name           string
		withAdmin      bool
		body           string
		signature      string
		verify         func(ctx context.Context, token string) (*verifier.Verification, error)
		expectedError  string
		expectedStatus int
		expectedTrust  webhook.TrustKind
		expectedOwner  string
	}{
		{
			name:           "admin_not_configured",
			body:           signedBody,
			signature:      webhook.Sign(testSecret, []byte(signedBody)),
			expectedError:  "admin API not configured",
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "non_json_body",
			withAdmin:      true,
			body:           "not json",
			signature:      webhook.Sign(testSecret, []byte("not json")),
			expectedError:  "invalid JSON body",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:          "signed_payload",
			withAdmin:     true,
			body:          signedBody,
			signature:     webhook.Sign(testSecret, []byte(signedBody)),
			expectedTrust: webhook.TrustSigned,
			expectedOwner: "gid://shopify/Customer/42",
		},
		{
			name:           "unsigned_without_token",
			withAdmin:      true,
			body:           `{"customerId":"42"}`,
			expectedError:  "missing signature or verification token",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "embedded_token_rejected",
			withAdmin:      true,
			body:           `{"customerId":"42","verification":{"token":"stolen"}}`,
			expectedError:  "invalid verification token",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:      "embedded_token_accepted",
			withAdmin: true,
			body:      `{"customerId":"42","verification":{"token":"good"}}`,
			verify: func(ctx context.Context, token string) (*verifier.Verification, error) {
				return &verifier.Verification{UID: "av-1", AssuranceLevel: types.AssuranceLevelLow, VerifiedAt: time.Now()}, nil
			},
			expectedTrust: webhook.TrustEmbeddedToken,
			expectedOwner: "gid://shopify/Customer/42",
		},
		{
			name:      "embedded_token_upstream_failure",
			withAdmin: true,
			body:      `{"customerId":"42","token":"good"}`,
			verify: func(ctx context.Context, token string) (*verifier.Verification, error) {
				return nil, errors.New("provider 503")
			},
			expectedError:  "verification failed",
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "dev_token_not_trusted",
			withAdmin:      true,
			body:           `{"orderNumber":"#1001","token":"dev-mock-token"}`,
			expectedError:  "invalid verification token",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing_target",
			withAdmin:      true,
			body:           `{"uid":"av-1"}`,
			signature:      webhook.Sign(testSecret, []byte(`{"uid":"av-1"}`)),
			expectedError:  "missing orderNumber or customerId",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.withAdmin)
			f.verifier.verifyFunc = tt.verify

			resp, err := f.svc.HandleWebhook(context.Background(), []byte(tt.body), tt.signature)

			if tt.expectedError != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, but got nil", tt.expectedError)
				}
				if !containsError(err, tt.expectedError) {
					t.Errorf("expected error containing %q, but got %q", tt.expectedError, err.Error())
				}
				if got := StatusCode(err); got != tt.expectedStatus {
					t.Errorf("expected status %d, but got %d", tt.expectedStatus, got)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !resp.OK || resp.Duplicate {
				t.Errorf("expected ok non-duplicate response, got %+v", resp)
			}
			if resp.Trust != tt.expectedTrust {
				t.Errorf("expected trust %q, but got %q", tt.expectedTrust, resp.Trust)
			}
			if resp.Result.OwnerID != tt.expectedOwner {
				t.Errorf("expected owner %q, but got %q", tt.expectedOwner, resp.Result.OwnerID)
			}
		})
	}
}

func TestHandleWebhookSignedEvidence(t *testing.T) {
	body := `{"orderNumber":"1001","verification":{"uid":"av-9","assuranceLevel":"high","timestamp":"2026-02-01T10:00:00Z"}}`
	f := newFixture(t, true)
	f.admin.findOrderFunc = order1001("gid://shopify/Customer/42", "")

	resp, err := f.svc.HandleWebhook(context.Background(), []byte(body), "sha256="+webhook.Sign(testSecret, []byte(body)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := types.Evidence{UID: "av-9", AssuranceLevel: types.AssuranceLevelHigh, Timestamp: "2026-02-01T10:00:00Z", Source: types.EvidenceSourceWebhook}
	if resp.Result.Evidence != want {
		t.Errorf("expected evidence %+v, but got %+v", want, resp.Result.Evidence)
	}
	if resp.Result.Target != types.PersistTargetCustomer {
		t.Errorf("expected customer target via order lookup, got %q", resp.Result.Target)
	}
}

func TestHandleWebhookDuplicate(t *testing.T) {
	body := `{"customerId":"42","uid":"av-1"}`
	sig := webhook.Sign(testSecret, []byte(body))
	f := newFixture(t, true)

	first, err := f.svc.HandleWebhook(context.Background(), []byte(body), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.svc.HandleWebhook(context.Background(), []byte(body), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Duplicate {
		t.Error("expected first delivery not to be a duplicate")
	}
	if !second.Duplicate || !second.OK {
		t.Errorf("expected ok duplicate on second delivery, got %+v", second)
	}
	if len(f.nats.published) != 1 {
		t.Errorf("expected 1 published event, but got %d", len(f.nats.published))
	}
}

func TestHandleWebhookDevTokenGoesToProvider(t *testing.T) {
	f := newFixture(t, true)
	f.admin.findOrderFunc = order1001("gid://shopify/Customer/9", "")

	_, err := f.svc.HandleWebhook(context.Background(), []byte(`{"orderNumber":"#1001","token":"dev-mock-token"}`), "")
	if StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, but got %v", err)
	}
	if f.verifier.calls != 1 {
		t.Errorf("expected provider to check the token once, but got %d calls", f.verifier.calls)
	}
	if len(f.admin.stored) != 0 {
		t.Errorf("expected nothing stored, got %v", f.admin.stored)
	}
}

func TestHandleWebhookRetryAfterPersistFailure(t *testing.T) {
	body := `{"orderNumber":"#1001","verification":{"uid":"av-9","assuranceLevel":"high","timestamp":"2026-02-01T10:00:00Z"}}`
	sig := webhook.Sign(testSecret, []byte(body))
	f := newFixture(t, true)
	f.admin.findOrderFunc = order1001("gid://shopify/Customer/42", "")

	calls := 0
	f.admin.setEvidenceFunc = func(ctx context.Context, ownerGID, namespace, key string, evidence types.Evidence) error {
		calls++
		if calls == 1 {
			return errors.New("admin 503")
		}
		return nil
	}

	_, err := f.svc.HandleWebhook(context.Background(), []byte(body), sig)
	if StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 on first delivery, but got %v", err)
	}

	resp, err := f.svc.HandleWebhook(context.Background(), []byte(body), sig)
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if resp.Duplicate {
		t.Error("expected retry after a failed write not to be a duplicate")
	}
	if resp.Result == nil || resp.Result.OwnerID != "gid://shopify/Customer/42" {
		t.Errorf("expected evidence on customer 42, got %+v", resp.Result)
	}
	if calls != 2 {
		t.Errorf("expected 2 metafield writes, but got %d", calls)
	}

	again, err := f.svc.HandleWebhook(context.Background(), []byte(body), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Duplicate {
		t.Error("expected delivery after a successful write to be a duplicate")
	}
}

func TestStatus(t *testing.T) {
	customerEv := types.Evidence{UID: "c", AssuranceLevel: types.AssuranceLevelHigh, Timestamp: "2026-01-01T00:00:00Z", Source: types.EvidenceSourceVerify}
	orderEv := types.Evidence{UID: "o", AssuranceLevel: types.AssuranceLevelLow, Timestamp: "2026-01-01T00:00:00Z", Source: types.EvidenceSourceWebhook}

	tests := []struct {
		name           string
		order          string
		withAdmin      bool
		setup          func(f *fixture)
		expectedError  string
		expectedStatus int
		verified       bool
		source         string
		uid            string
	}{
		{
			name:           "missing_order",
			withAdmin:      true,
			expectedError:  "missing order",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "admin_not_configured",
			order:          "1001",
			expectedError:  "admin API not configured",
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "order_not_found",
			order:          "9999",
			withAdmin:      true,
			setup:          func(f *fixture) { f.admin.findOrderFunc = order1001("", "") },
			expectedError:  "order not found",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:      "customer_evidence_preferred",
			order:     "1001",
			withAdmin: true,
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("gid://shopify/Customer/42", "")
				f.admin.customerEvidenceFunc = func(ctx context.Context, customerGID, namespace, key string) (*types.Evidence, error) {
					return &customerEv, nil
				}
				f.admin.orderEvidenceFunc = func(ctx context.Context, orderGID, namespace, key string) (*types.Evidence, error) {
					return &orderEv, nil
				}
			},
			verified: true,
			source:   "customer",
			uid:      "c",
		},
		{
			name:      "falls_back_to_order",
			order:     "1001",
			withAdmin: true,
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("gid://shopify/Customer/42", "")
				f.admin.orderEvidenceFunc = func(ctx context.Context, orderGID, namespace, key string) (*types.Evidence, error) {
					return &orderEv, nil
				}
			},
			verified: true,
			source:   "order",
			uid:      "o",
		},
		{
			name:      "falls_back_to_ledger",
			order:     "1001",
			withAdmin: true,
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("", "")
				f.repo.rows = map[string]*types.LedgerRecord{
					"#1001": {TargetKey: "#1001", UID: "l", AssuranceLevel: types.AssuranceLevelNone, Source: types.EvidenceSourceManualTest, VerifiedAt: time.Now()},
				}
			},
			verified: true,
			source:   "ledger",
			uid:      "l",
		},
		{
			name:      "ledger_error_still_checks_order_name",
			order:     "1001",
			withAdmin: true,
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("gid://shopify/Customer/42", "")
				f.repo.getFunc = func(ctx context.Context, key string) (*types.LedgerRecord, error) {
					if key == "#1001" {
						return &types.LedgerRecord{TargetKey: key, UID: "l2", AssuranceLevel: types.AssuranceLevelLow, Source: types.EvidenceSourceVerify, VerifiedAt: time.Now()}, nil
					}
					return nil, errors.New("connection reset")
				}
			},
			verified: true,
			source:   "ledger",
			uid:      "l2",
		},
		{
			name:      "not_verified",
			order:     "1001",
			withAdmin: true,
			setup:     func(f *fixture) { f.admin.findOrderFunc = order1001("", "") },
		},
		{
			name:      "metafield_lookup_fails",
			order:     "1001",
			withAdmin: true,
			setup: func(f *fixture) {
				f.admin.findOrderFunc = order1001("", "")
				f.admin.orderEvidenceFunc = func(ctx context.Context, orderGID, namespace, key string) (*types.Evidence, error) {
					return nil, errors.New("throttled")
				}
			},
			expectedError:  "order metafield lookup failed",
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.withAdmin)
			if tt.setup != nil {
				tt.setup(f)
			}

			resp, err := f.svc.Status(context.Background(), tt.order)

			if tt.expectedError != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, but got nil", tt.expectedError)
				}
				if !containsError(err, tt.expectedError) {
					t.Errorf("expected error containing %q, but got %q", tt.expectedError, err.Error())
				}
				if got := StatusCode(err); got != tt.expectedStatus {
					t.Errorf("expected status %d, but got %d", tt.expectedStatus, got)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Verified != tt.verified {
				t.Errorf("expected verified=%v, but got %v", tt.verified, resp.Verified)
			}
			if resp.Source != tt.source {
				t.Errorf("expected source %q, but got %q", tt.source, resp.Source)
			}
			if tt.verified && resp.Evidence.UID != tt.uid {
				t.Errorf("expected evidence uid %q, but got %q", tt.uid, resp.Evidence.UID)
			}
			if !tt.verified && resp.Message == "" {
				t.Error("expected a message when not verified")
			}
		})
	}
}

func TestSetMetafield(t *testing.T) {
	tests := []struct {
		name           string
		withAdmin      bool
		body           string
		badSignature   bool
		expectedError  string
		expectedStatus int
		expectedTarget types.PersistTarget
		expectedUID    string
		expectedLevel  types.AssuranceLevel
	}{
		{
			name:           "admin_not_configured",
			body:           `{"customerId":"1"}`,
			expectedError:  "admin API not configured",
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "bad_signature",
			withAdmin:      true,
			body:           `{"customerId":"1"}`,
			badSignature:   true,
			expectedError:  "invalid signature",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "no_target",
			withAdmin:      true,
			body:           `{"uid":"x"}`,
			expectedError:  "missing orderNumber or customerId",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown_order",
			withAdmin:      true,
			body:           `{"orderNumber":"404"}`,
			expectedError:  "order not found",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "customer_by_numeric_id",
			withAdmin:      true,
			body:           `{"customerId":"42","uid":"ops","assuranceLevel":"substantial"}`,
			expectedTarget: types.PersistTargetCustomer,
			expectedUID:    "ops",
			expectedLevel:  types.AssuranceLevelSubstantial,
		},
		{
			name:           "order_defaults",
			withAdmin:      true,
			body:           `{"orderNumber":"1001"}`,
			expectedTarget: types.PersistTargetOrder,
			expectedUID:    "manual",
			expectedLevel:  types.AssuranceLevelNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.withAdmin)
			f.admin.findOrderFunc = order1001("", "")

			sig := webhook.Sign(testSecret, []byte(tt.body))
			if tt.badSignature {
				sig = webhook.Sign("other", []byte(tt.body))
			}

			resp, err := f.svc.SetMetafield(context.Background(), []byte(tt.body), sig)

			if tt.expectedError != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, but got nil", tt.expectedError)
				}
				if !containsError(err, tt.expectedError) {
					t.Errorf("expected error containing %q, but got %q", tt.expectedError, err.Error())
				}
				if got := StatusCode(err); got != tt.expectedStatus {
					t.Errorf("expected status %d, but got %d", tt.expectedStatus, got)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Result.Target != tt.expectedTarget {
				t.Errorf("expected target %q, but got %q", tt.expectedTarget, resp.Result.Target)
			}
			ev := resp.Result.Evidence
			if ev.UID != tt.expectedUID || ev.AssuranceLevel != tt.expectedLevel || ev.Source != types.EvidenceSourceManualTest {
				t.Errorf("unexpected evidence %+v", ev)
			}
		})
	}
}

func TestPublicMessage(t *testing.T) {
	err := newError(KindUpstream, "order lookup failed", errors.New("secret detail"))
	if got := PublicMessage(err); got != "order lookup failed" {
		t.Errorf("expected public message without cause, got %q", got)
	}
	if got := PublicMessage(errors.New("boom")); got != "internal error" {
		t.Errorf("expected generic message, got %q", got)
	}
	if got := StatusCode(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("expected 500 for unclassified error, got %d", got)
	}
}

// Вспомогательная функция для проверки содержания ошибки
func containsError(err error, substr string) bool {
	return err != nil && strings.Contains(err.Error(), substr)
}
