package query

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit"
)

// subscriberBufferLimit 缓冲超过此值的慢订阅者会被断开
const subscriberBufferLimit = 10000

// StreamMetrics is the subset of the internal collector the bus reports to.
type StreamMetrics interface {
	AddStreamSubscriber()
	RemoveStreamSubscriber()
}

type nopStreamMetrics struct{}

func (nopStreamMetrics) AddStreamSubscriber()    {}
func (nopStreamMetrics) RemoveStreamSubscriber() {}

// Subscriber 一个流订阅者
type Subscriber struct {
	id string
	// C 接收链提交后的事件。订阅被断开或取消后通道关闭。
	C chan *audit.Event

	bus  *Bus
	once sync.Once
}

// Cancel 主动退订
func (s *Subscriber) Cancel() {
	s.bus.remove(s.id, false)
}

// Bus 发布/订阅总线：事件在链提交后进入，向每个订阅者尽力分发。
// 缓冲溢出（慢消费者）直接断开，绝不反压审计链。
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	nextID      int
	metrics     StreamMetrics
	logger      *zap.Logger
	filters     map[string]string // subscriber id → organization filter
}

// NewBus creates the bus. metrics may be nil.
func NewBus(m StreamMetrics, logger *zap.Logger) *Bus {
	if m == nil {
		m = nopStreamMetrics{}
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		filters:     make(map[string]string),
		metrics:     m,
		logger:      logger.With(zap.String("component", "audit_stream")),
	}
}

// Subscribe 注册订阅者。organization 非空时只接收该组织的事件。
func (b *Bus) Subscribe(organization string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := subscriberID(b.nextID)
	sub := &Subscriber{
		id:  id,
		C:   make(chan *audit.Event, subscriberBufferLimit),
		bus: b,
	}
	b.subscribers[id] = sub
	b.filters[id] = organization
	b.metrics.AddStreamSubscriber()
	return sub
}

func subscriberID(n int) string {
	return "sub-" + strconv.Itoa(n)
}

// Publish 分发一个已提交事件。非阻塞：慢订阅者被断开。
func (b *Bus) Publish(event *audit.Event) {
	b.mu.Lock()
	var overflowed []string
	for id, sub := range b.subscribers {
		if org := b.filters[id]; org != "" && org != event.OrganizationID {
			continue
		}
		select {
		case sub.C <- event:
		default:
			overflowed = append(overflowed, id)
		}
	}
	b.mu.Unlock()

	for _, id := range overflowed {
		b.logger.Warn("disconnecting slow stream subscriber",
			zap.String("subscriber", id),
			zap.Int("buffer_limit", subscriberBufferLimit),
		)
		b.remove(id, true)
	}
}

// remove 注销并关闭订阅者
func (b *Bus) remove(id string, overflow bool) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		delete(b.filters, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.once.Do(func() {
		close(sub.C)
	})
	b.metrics.RemoveStreamSubscriber()
	_ = overflow
}

// SubscriberCount 当前订阅者数
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
