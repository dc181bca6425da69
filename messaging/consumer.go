package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/config"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// ProcessingResult is published by the processing workers once a job ends.
type ProcessingResult struct {
	TaskID       string            `json:"task_id"`
	MaterialID   string            `json:"material_id"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// ResultApplier records a processing result on the material it belongs to.
type ResultApplier interface {
	ApplyProcessingResult(ctx context.Context, res ProcessingResult) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ResultConsumer moves materials out of processing as results arrive.
type ResultConsumer struct {
	reader       messageReader
	applier      ResultApplier
	logger       logrus.FieldLogger
	applyTimeout time.Duration
	retryDelay   time.Duration
}

func NewResultConsumer(cfg config.KafkaConfig, applier ResultApplier, logger logrus.FieldLogger) *ResultConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.BrokerList(),
		GroupID:  cfg.GroupID,
		Topic:    cfg.ResultTopic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
	return newResultConsumer(r, applier, logger)
}

func newResultConsumer(r messageReader, applier ResultApplier, logger logrus.FieldLogger) *ResultConsumer {
	return &ResultConsumer{
		reader:       r,
		applier:      applier,
		logger:       logger,
		applyTimeout: 10 * time.Second,
		retryDelay:   time.Second,
	}
}

// Run consumes until ctx is cancelled. Every fetched message is committed,
// including ones that could not be applied.
func (c *ResultConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).Warn("kafka fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
			continue
		}

		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.WithError(err).WithField("offset", msg.Offset).Warn("kafka commit failed")
		}
	}
}

func (c *ResultConsumer) handle(ctx context.Context, msg kafka.Message) {
	var res ProcessingResult
	if err := json.Unmarshal(msg.Value, &res); err != nil {
		c.logger.WithError(err).WithField("offset", msg.Offset).Warn("bad processing result json")
		return
	}
	log := c.logger.WithFields(logrus.Fields{"material_id": res.MaterialID, "task_id": res.TaskID, "status": res.Status})

	actx, cancel := context.WithTimeout(ctx, c.applyTimeout)
	defer cancel()
	if err := c.applier.ApplyProcessingResult(actx, res); err != nil {
		log.WithError(err).Error("failed to apply processing result")
		return
	}
	log.Info("processing result applied")
}

func (c *ResultConsumer) Close() error {
	return c.reader.Close()
}
