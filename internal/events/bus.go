// Package events turns the verification widget's callbacks and cross-frame
// messages into one event stream.
package events

import (
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindLoaded  Kind = "loaded"
	KindReady   Kind = "ready"
	KindError   Kind = "error"
)

// Payload is the widget's JSON object as decoded.
type Payload map[string]any

// Verified reports the normalized verified flag.
func (p Payload) Verified() bool {
	v, _ := p["verified"].(bool)
	return v
}

func (p Payload) Token() string {
	t, _ := p["token"].(string)
	return t
}

type Event struct {
	Kind    Kind
	Payload Payload
}

type Listener func(Event)

// Normalize folds the shapes the widget is known to send into one:
// a nested verification object, a bare token, or anything else untouched.
func Normalize(payload Payload) Payload {
	if verification, ok := payload["verification"].(map[string]any); ok {
		out := make(Payload, len(payload)+len(verification)+1)
		for k, v := range payload {
			out[k] = v
		}
		for k, v := range verification {
			out[k] = v
		}
		out["verified"] = true
		if t, _ := verification["token"].(string); t != "" {
			out["token"] = t
		} else if t, ok := payload["token"]; ok {
			out["token"] = t
		}
		return out
	}

	if token, ok := payload["token"]; ok && token != nil {
		out := Payload{"verified": true, "token": token}
		for k, v := range payload {
			out[k] = v
		}
		return out
	}

	return payload
}

type subscription struct {
	id int
	fn Listener
}

type Bus struct {
	mu        sync.Mutex
	listeners []subscription
	nextID    int
	pending   *Pending
	logger    *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe adds a listener and returns a func that removes it.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.listeners {
			if s.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Expect registers the handle the next success event resolves. A stale
// handle from an earlier attempt is dropped.
func (b *Bus) Expect() *Pending {
	p := newPending()

	b.mu.Lock()
	b.pending = p
	b.mu.Unlock()

	return p
}

// Callback is the global-callback surface of the widget.
func (b *Bus) Callback(kind Kind, payload Payload) {
	defer b.recoverPanic("callback", kind)

	if payload == nil {
		payload = Payload{}
	}
	ev := Event{Kind: kind, Payload: Normalize(payload)}

	b.mu.Lock()
	listeners := make([]subscription, len(b.listeners))
	copy(listeners, b.listeners)
	var pending *Pending
	if kind == KindSuccess {
		pending, b.pending = b.pending, nil
	}
	b.mu.Unlock()

	for _, s := range listeners {
		b.dispatch(s.fn, ev)
	}

	if pending != nil {
		pending.resolve(ev.Payload)
	}
}

// Message is the cross-frame surface. Only {"type":"verified","token":...}
// is understood; everything else is ignored.
func (b *Bus) Message(raw []byte) {
	defer b.recoverPanic("message", KindSuccess)

	msg := gjson.ParseBytes(raw)
	if !msg.IsObject() || msg.Get("type").String() != "verified" {
		return
	}

	payload, _ := msg.Value().(map[string]any)
	b.Callback(KindSuccess, Payload(payload))
}

func (b *Bus) dispatch(fn Listener, ev Event) {
	defer b.recoverPanic("listener", ev.Kind)
	fn(ev)
}

func (b *Bus) recoverPanic(where string, kind Kind) {
	if r := recover(); r != nil {
		b.logger.Error("age verification event handler panicked",
			zap.String("where", where),
			zap.String("kind", string(kind)),
			zap.String("panic", fmt.Sprint(r)))
	}
}
