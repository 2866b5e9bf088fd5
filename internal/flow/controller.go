// Package flow drives one age verification attempt from the shopper's side:
// start the widget, wait for its token, hand the token to the server and
// pick the page to go to next.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"ageverif_gateway/internal/events"

	"go.uber.org/zap"
)

type State string

const (
	StateIdle            State = "idle"
	StateAwaitingWidget  State = "awaiting-widget"
	StatePostingToServer State = "posting-to-server"
	StateDone            State = "done"
)

const (
	RetryPath   = "/age-verification/retry"
	SuccessPath = "/age-verification/success"
)

var ErrInFlight = errors.New("verification already in progress")

// WidgetResult is what the widget reports back directly. A nil result from
// Start means the answer arrives later through the event bus.
type WidgetResult struct {
	Verified bool
	Token    string
}

type Widget interface {
	Start(ctx context.Context) (*WidgetResult, error)
}

type VerifyRequest struct {
	Token            string `json:"token"`
	OrderNumber      string `json:"orderNumber,omitempty"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
}

// VerifyReply is the server's answer. Error is set for non-2xx replies.
type VerifyReply struct {
	StatusCode int
	OK         bool
	Error      string
}

type Poster interface {
	PostVerify(ctx context.Context, req VerifyRequest) (*VerifyReply, error)
}

// Outcome says where the attempt ended. Redirect is empty for an inline
// failure.
type Outcome struct {
	Success  bool
	Redirect string
	Message  string
}

type Controller struct {
	bus              *events.Bus
	widget           Widget
	poster           Poster
	orderNumber      string
	confirmationCode string
	logger           *zap.Logger

	loading atomic.Bool
	mu      sync.Mutex
	state   State
}

func NewController(bus *events.Bus, widget Widget, poster Poster, orderNumber, confirmationCode string, logger *zap.Logger) *Controller {
	return &Controller{
		bus:              bus,
		widget:           widget,
		poster:           poster,
		orderNumber:      orderNumber,
		confirmationCode: confirmationCode,
		logger:           logger,
		state:            StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("verification state", zap.String("state", string(s)))
}

// StartVerification runs one attempt. A second call while the first is
// still running returns ErrInFlight. The wait for the widget is bounded
// only by ctx.
func (c *Controller) StartVerification(ctx context.Context) (*Outcome, error) {
	if !c.loading.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer c.loading.Store(false)

	c.setState(StateAwaitingWidget)
	defer c.setState(StateDone)

	// Регистрируем ожидание до запуска виджета, чтобы не пропустить ранний колбэк
	pending := c.bus.Expect()

	result, err := c.widget.Start(ctx)
	if err != nil {
		c.logger.Warn("widget failed to start", zap.Error(err))
		return c.retry(err.Error()), nil
	}

	if result == nil {
		payload, err := pending.Await(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed waiting for widget result: %w", err)
		}
		result = &WidgetResult{Verified: payload.Verified(), Token: payload.Token()}
	}

	if !result.Verified || result.Token == "" {
		c.logger.Info("widget did not verify", zap.String("order", c.orderNumber))
		return c.retry(""), nil
	}

	c.setState(StatePostingToServer)
	reply, err := c.poster.PostVerify(ctx, VerifyRequest{
		Token:            result.Token,
		OrderNumber:      c.orderNumber,
		ConfirmationCode: c.confirmationCode,
	})
	if err != nil {
		c.logger.Warn("verify request failed", zap.Error(err))
		return c.retry(err.Error()), nil
	}

	if reply.StatusCode < 200 || reply.StatusCode > 299 {
		msg := reply.Error
		if msg == "" {
			msg = fmt.Sprintf("verification failed (%d)", reply.StatusCode)
		}
		return c.retry(msg), nil
	}

	if !reply.OK {
		return &Outcome{Message: "Verification could not be completed."}, nil
	}

	return &Outcome{Success: true, Redirect: SuccessPath + "?" + c.query("").Encode()}, nil
}

func (c *Controller) retry(errText string) *Outcome {
	return &Outcome{Redirect: RetryPath + "?" + c.query(errText).Encode(), Message: errText}
}

func (c *Controller) query(errText string) url.Values {
	q := url.Values{}
	q.Set("order", c.orderNumber)
	if errText != "" {
		q.Set("error", errText)
	}
	return q
}
