package messaging

import (
	"context"
	"fmt"

	"circulation/internal/pkg/mq"
	"circulation/internal/service/lending/domain"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const headerEventType = "event-type"

// LoanEventKafkaAdapter 实现了 port.EventPublisher 接口。
// 消息以 titleID 为 key，同一本书的事件落在同一个分区里保持有序。
type LoanEventKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewLoanEventKafkaAdapter(writer mq.MessageWriter) *LoanEventKafkaAdapter {
	return &LoanEventKafkaAdapter{writer: writer}
}

func (a *LoanEventKafkaAdapter) Publish(ctx context.Context, event domain.LoanEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal loan event: %w", err)
	}
	// 调用通用的 mq.ProduceMessage，它会自动处理追踪上下文注入
	err = mq.ProduceMessage(ctx, a.writer, []byte(event.TitleID), eventBytes,
		kafka.Header{Key: headerEventType, Value: []byte(event.Type)})
	if err != nil {
		return fmt.Errorf("failed to produce loan event %s: %w", event.EventID, err)
	}
	return nil
}

// Close 关闭底层的 Kafka writer
func (a *LoanEventKafkaAdapter) Close() error {
	if c, ok := a.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
