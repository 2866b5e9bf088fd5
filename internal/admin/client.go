package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ageverif_gateway/types"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Client talks to the commerce platform's admin GraphQL API.
type Client interface {
	// FindOrder returns nil without error when no order matches.
	FindOrder(ctx context.Context, orderNumber, confirmationCode string) (*types.Order, error)
	// CreateCustomer returns the GID of a customer with the given email,
	// creating one if needed. created is false when the customer existed.
	CreateCustomer(ctx context.Context, email string) (gid string, created bool, err error)
	SetEvidence(ctx context.Context, ownerGID, namespace, key string, evidence types.Evidence) error
	CustomerEvidence(ctx context.Context, customerGID, namespace, key string) (*types.Evidence, error)
	OrderEvidence(ctx context.Context, orderGID, namespace, key string) (*types.Evidence, error)
}

type UserError struct {
	Field   []string
	Message string
}

// UserErrors are validation failures reported inside a 200 response.
type UserErrors []UserError

func (e UserErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ue := range e {
		if len(ue.Field) > 0 {
			msgs = append(msgs, strings.Join(ue.Field, ".")+": "+ue.Message)
		} else {
			msgs = append(msgs, ue.Message)
		}
	}
	return "admin user errors: " + strings.Join(msgs, "; ")
}

type client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(endpoint, token string, logger *zap.Logger) (Client, error) {
	if err := validateDocuments(documents); err != nil {
		return nil, err
	}
	return &client{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// do выполняет запрос и возвращает поле data
func (c *client) do(ctx context.Context, query string, variables map[string]any) (gjson.Result, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to marshal admin request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build admin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read admin response: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.logger.Error("admin API error", zap.Int("status", resp.StatusCode), zap.ByteString("body", truncate(data, 512)))
		return gjson.Result{}, fmt.Errorf("admin API returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, errors.New("admin API returned invalid JSON")
	}

	res := gjson.ParseBytes(data)
	if errs := res.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		msgs := errs.Get("#.message").Array()
		parts := make([]string, 0, len(msgs))
		for _, m := range msgs {
			parts = append(parts, m.String())
		}
		return gjson.Result{}, fmt.Errorf("admin GraphQL errors: %s", strings.Join(parts, "; "))
	}

	return res.Get("data"), nil
}

func (c *client) FindOrder(ctx context.Context, orderNumber, confirmationCode string) (*types.Order, error) {
	name := types.NormalizeOrderName(orderNumber)
	if name == "" {
		return nil, nil
	}

	data, err := c.do(ctx, findOrderQuery, map[string]any{"query": "name:" + name})
	if err != nil {
		c.logger.Error("failed to find order", zap.Error(err), zap.String("order", name))
		return nil, fmt.Errorf("failed to find order: %w", err)
	}

	code := strings.TrimSpace(confirmationCode)
	for _, node := range data.Get("orders.edges.#.node").Array() {
		if node.Get("name").String() != name {
			continue
		}
		if code != "" && !strings.EqualFold(node.Get("confirmationNumber").String(), code) {
			continue
		}
		return &types.Order{
			ID:                 node.Get("id").String(),
			Name:               node.Get("name").String(),
			ConfirmationNumber: node.Get("confirmationNumber").String(),
			Email:              node.Get("email").String(),
			CustomerGID:        node.Get("customer.id").String(),
		}, nil
	}

	c.logger.Info("order not found", zap.String("order", name), zap.Bool("with_confirmation_code", code != ""))
	return nil, nil
}

func (c *client) CreateCustomer(ctx context.Context, email string) (string, bool, error) {
	data, err := c.do(ctx, createCustomerMutation, map[string]any{
		"input": map[string]any{"email": email},
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to create customer: %w", err)
	}

	if gid := data.Get("customerCreate.customer.id").String(); gid != "" {
		c.logger.Info("customer created", zap.String("customer_gid", gid))
		return gid, true, nil
	}

	userErrs := parseUserErrors(data.Get("customerCreate.userErrors"))
	if len(userErrs) == 0 {
		return "", false, errors.New("failed to create customer: empty response")
	}

	// Email уже занят: берем существующего покупателя
	existing, err := c.do(ctx, findCustomerByEmailQuery, map[string]any{"query": "email:" + email})
	if err != nil {
		return "", false, fmt.Errorf("failed to find customer by email: %w", err)
	}
	if gid := existing.Get("customers.edges.0.node.id").String(); gid != "" {
		return gid, false, nil
	}
	return "", false, fmt.Errorf("failed to create customer: %w", userErrs)
}

// SetEvidence writes the evidence metafield. metafieldsSet replaces the value
// stored under the same owner, namespace and key.
func (c *client) SetEvidence(ctx context.Context, ownerGID, namespace, key string, evidence types.Evidence) error {
	data, err := c.do(ctx, setEvidenceMutation, map[string]any{
		"metafields": []map[string]any{{
			"ownerId":   ownerGID,
			"namespace": namespace,
			"key":       key,
			"type":      "json",
			"value":     evidence.JSON(),
		}},
	})
	if err != nil {
		c.logger.Error("failed to set evidence metafield", zap.Error(err), zap.String("owner_gid", ownerGID))
		return fmt.Errorf("failed to set evidence metafield: %w", err)
	}

	if userErrs := parseUserErrors(data.Get("metafieldsSet.userErrors")); len(userErrs) > 0 {
		c.logger.Error("evidence metafield rejected", zap.Error(userErrs), zap.String("owner_gid", ownerGID))
		return fmt.Errorf("failed to set evidence metafield: %w", userErrs)
	}

	c.logger.Info("evidence metafield set", zap.String("owner_gid", ownerGID), zap.String("namespace", namespace), zap.String("key", key))
	return nil
}

func (c *client) CustomerEvidence(ctx context.Context, customerGID, namespace, key string) (*types.Evidence, error) {
	return c.evidence(ctx, customerEvidenceQuery, "customer.metafield.value", customerGID, namespace, key)
}

func (c *client) OrderEvidence(ctx context.Context, orderGID, namespace, key string) (*types.Evidence, error) {
	return c.evidence(ctx, orderEvidenceQuery, "order.metafield.value", orderGID, namespace, key)
}

func (c *client) evidence(ctx context.Context, query, path, ownerGID, namespace, key string) (*types.Evidence, error) {
	if ownerGID == "" {
		return nil, nil
	}

	data, err := c.do(ctx, query, map[string]any{"id": ownerGID, "namespace": namespace, "key": key})
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence metafield: %w", err)
	}

	value := data.Get(path)
	if !value.Exists() || value.String() == "" {
		return nil, nil
	}

	var ev types.Evidence
	if err := json.Unmarshal([]byte(value.String()), &ev); err != nil {
		c.logger.Warn("malformed evidence metafield", zap.Error(err), zap.String("owner_gid", ownerGID))
		return nil, fmt.Errorf("malformed evidence metafield on %s: %w", ownerGID, err)
	}
	return &ev, nil
}

func parseUserErrors(res gjson.Result) UserErrors {
	var out UserErrors
	for _, ue := range res.Array() {
		var fields []string
		for _, f := range ue.Get("field").Array() {
			fields = append(fields, f.String())
		}
		out = append(out, UserError{Field: fields, Message: ue.Get("message").String()})
	}
	return out
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
