package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/config"
	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
)

// ProcessingJob mirrors the job schema the processing workers consume.
type ProcessingJob struct {
	TaskID      string            `json:"task_id"`
	MaterialID  string            `json:"material_id"`
	UserID      string            `json:"user_id,omitempty"`
	FileURL     string            `json:"file_url"`
	FileType    string            `json:"file_type"`
	SizeBytes   int64             `json:"size_bytes"`
	Options     map[string]string `json:"options,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

type StudentNotification struct {
	StudentID     string     `json:"student_id"`
	MaterialTitle string     `json:"material_title"`
	UnitName      string     `json:"unit_name"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	SentAt        time.Time  `json:"sent_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON envelopes to the processing and notification topics.
type Publisher struct {
	processing    messageWriter
	notifications messageWriter
	now           func() time.Time
}

func NewPublisher(cfg config.KafkaConfig) *Publisher {
	brokers := cfg.BrokerList()
	return &Publisher{
		processing:    newWriter(brokers, cfg.ProcessingTopic),
		notifications: newWriter(brokers, cfg.NotificationTopic),
		now:           time.Now,
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
}

func (p *Publisher) PublishProcessingJob(ctx context.Context, job ProcessingJob) error {
	if job.TaskID == "" {
		job.TaskID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = p.now()
	}
	return write(ctx, p.processing, job.MaterialID, job)
}

// NotifyStudent publishes one notification keyed by student so a student's
// messages stay ordered within a partition.
func (p *Publisher) NotifyStudent(ctx context.Context, studentID uuid.UUID, materialTitle, unitName string, dueDate *time.Time) error {
	msg := StudentNotification{
		StudentID:     studentID.String(),
		MaterialTitle: materialTitle,
		UnitName:      unitName,
		DueDate:       dueDate,
		SentAt:        p.now(),
	}
	return write(ctx, p.notifications, msg.StudentID, msg)
}

func (p *Publisher) Close() error {
	perr := p.processing.Close()
	nerr := p.notifications.Close()
	if perr != nil {
		return perr
	}
	return nerr
}

func write(ctx context.Context, w messageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}
