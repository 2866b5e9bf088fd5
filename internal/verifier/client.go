package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"ageverif_gateway/types"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Verification is what the provider confirms about a token.
type Verification struct {
	UID            string
	AssuranceLevel types.AssuranceLevel
	VerifiedAt     time.Time
	// Mock is set for the fixed local testing tokens.
	Mock bool
}

// TokenVerifier checks a widget token with the age-verification provider.
// A nil Verification with a nil error means the provider rejected the token.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Verification, error)
}

type Config struct {
	APIURL            string
	SecretKey         string
	RequestsPerSecond float64
	Timeout           time.Duration
}

type client struct {
	apiURL     string
	secretKey  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

func NewClient(cfg Config, logger *zap.Logger) TokenVerifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(math.Ceil(cfg.RequestsPerSecond))
		if burst < 1 {
			burst = 1
		}
	}
	return &client{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		now:        time.Now,
	}
}

func (c *client) VerifyToken(ctx context.Context, token string) (*Verification, error) {
	if token == "" {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("verifier rate limit: %w", err)
	}

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/tokens/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.secretKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("verifier request failed", zap.Error(err))
		return nil, fmt.Errorf("verifier request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read verifier response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.logger.Error("verifier upstream error", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("verifier returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		c.logger.Info("token rejected by verifier", zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	return c.parse(data), nil
}

// parse понимает как плоский ответ, так и вложенный в "verification"
func (c *client) parse(data []byte) *Verification {
	if !gjson.ValidBytes(data) {
		c.logger.Warn("verifier returned invalid JSON")
		return nil
	}
	res := gjson.ParseBytes(data)

	node := res
	if v := res.Get("verification"); v.IsObject() {
		node = v
	}

	valid := firstOf(res, "valid", "verified")
	if valid.Exists() && !valid.Bool() {
		return nil
	}
	if nested := firstOf(node, "valid", "verified"); nested.Exists() && !nested.Bool() {
		return nil
	}

	uid := firstOf(node, "uid", "id").String()
	if uid == "" {
		return nil
	}

	verifiedAt := c.now()
	if ts := firstOf(node, "timestamp", "verifiedAt"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			verifiedAt = parsed
		}
	}

	level := types.AssuranceLevel(strings.ToUpper(firstOf(node, "assuranceLevel", "assurance_level").String()))
	if level == "" {
		level = types.AssuranceLevelNone
	}

	return &Verification{
		UID:            uid,
		AssuranceLevel: level,
		VerifiedAt:     verifiedAt,
	}
}

func firstOf(res gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
