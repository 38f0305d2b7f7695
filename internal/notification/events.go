package notification

import (
	"context"
	"encoding/json"
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/learnnotify/pkg/event"
	"github.com/nao1215/learnnotify/pkg/httpclient"
)

// appendEventRequest はEvent Storeへのイベント追記リクエストのJSON構造。
type appendEventRequest struct {
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType string `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
}

// eventPublisher はEvent Storeへイベントを送信する。
// clientがnilの場合は何もしない。
type eventPublisher struct {
	client   *httpclient.Client
	failures prometheus.Counter
}

// publish はイベントを送信する。送信に失敗してもログに記録するだけで、
// 呼び出し元の処理は成功として扱う。
func (p eventPublisher) publish(ctx context.Context, aggregateID string, eventType event.Type, data any) {
	if p.client == nil {
		return
	}

	e, err := event.New(aggregateID, event.AggregateTypeClassroom, eventType, data)
	if err != nil {
		log.Printf("[Event] %sイベントの生成に失敗: %v", eventType, err)
		p.fail()
		return
	}

	req := appendEventRequest{
		AggregateID:   e.AggregateID,
		AggregateType: string(e.AggregateType),
		EventType:     string(e.EventType),
		Data:          e.Data,
	}
	if err := p.client.PostJSON(ctx, "/api/v1/events", req, nil); err != nil {
		log.Printf("[Event] %sイベントの送信に失敗: %v", eventType, err)
		p.fail()
	}
}

func (p eventPublisher) fail() {
	if p.failures != nil {
		p.failures.Inc()
	}
}
