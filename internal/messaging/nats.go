package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ageverif_gateway/types"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const SubjectEvidenceRecorded = "ageverif.evidence.recorded"

type NATSClient interface {
	PublishEvidenceRecorded(ctx context.Context, result *types.PersistResult) error
	SubscribeToEvidenceRecorded(ctx context.Context, handler func(*EvidenceRecordedMessage)) error
	Close()
}

// Conn is the part of *nats.Conn the client uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

type natsClient struct {
	conn   Conn
	logger *zap.Logger
}

func NewNATSClient(url string, logger *zap.Logger) (NATSClient, error) {
	conn, err := nats.Connect(url, nats.Name("ageverif-gateway"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", url))
	return NewNATSClientWithConn(conn, logger), nil
}

func NewNATSClientWithConn(conn Conn, logger *zap.Logger) NATSClient {
	return &natsClient{
		conn:   conn,
		logger: logger,
	}
}

type EvidenceRecordedMessage struct {
	EventID         string `json:"event_id"`
	Target          string `json:"target"`
	OwnerID         string `json:"owner_id,omitempty"`
	Key             string `json:"key"`
	UID             string `json:"uid"`
	AssuranceLevel  string `json:"assurance_level"`
	Source          string `json:"source"`
	CustomerCreated bool   `json:"customer_created"`
	RecordedAt      string `json:"recorded_at"`
}

func (c *natsClient) PublishEvidenceRecorded(ctx context.Context, result *types.PersistResult) error {
	msg := EvidenceRecordedMessage{
		EventID:         uuid.New().String(),
		Target:          string(result.Target),
		OwnerID:         result.OwnerID,
		Key:             result.Key,
		UID:             result.Evidence.UID,
		AssuranceLevel:  string(result.Evidence.AssuranceLevel),
		Source:          string(result.Evidence.Source),
		CustomerCreated: result.CustomerCreated,
		RecordedAt:      time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal evidence event", zap.Error(err))
		return fmt.Errorf("failed to marshal evidence event: %w", err)
	}

	err = c.conn.Publish(SubjectEvidenceRecorded, data)
	if err != nil {
		c.logger.Error("failed to publish evidence event", zap.Error(err), zap.String("key", result.Key))
		return fmt.Errorf("failed to publish evidence event: %w", err)
	}

	c.logger.Info("evidence event published", zap.String("event_id", msg.EventID), zap.String("key", result.Key))
	return nil
}

func (c *natsClient) SubscribeToEvidenceRecorded(ctx context.Context, handler func(*EvidenceRecordedMessage)) error {
	_, err := c.conn.Subscribe(SubjectEvidenceRecorded, func(msg *nats.Msg) {
		var recorded EvidenceRecordedMessage
		if err := json.Unmarshal(msg.Data, &recorded); err != nil {
			c.logger.Error("failed to unmarshal evidence event", zap.Error(err))
			return
		}

		handler(&recorded)
		c.logger.Debug("evidence event processed", zap.String("event_id", recorded.EventID), zap.String("target", recorded.Target))
	})

	if err != nil {
		c.logger.Error("failed to subscribe to evidence events", zap.Error(err))
		return fmt.Errorf("failed to subscribe to evidence events: %w", err)
	}

	c.logger.Info("subscribed to evidence events")
	return nil
}

func (c *natsClient) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.logger.Info("NATS connection closed")
	}
}
