// Package notify: fire-and-forget доставка событий ядра в логи, журнал и Telegram.
package notify

import (
	"context"
	"sync"
	"time"

	"liq_engine/internal/metrics"
	"liq_engine/internal/models"

	"go.uber.org/zap"
)

// Notifier: то, что видит ядро. Notify никогда не блокирует вызывающего.
type Notifier interface {
	Notify(e models.Event)
}

// Sink: один канал доставки.
type Sink interface {
	Name() string
	Send(ctx context.Context, e models.Event) error
}

// Dispatcher раздаёт события по синкам из отдельной горутины.
// При переполненной очереди событие отбрасывается.
type Dispatcher struct {
	log     *zap.Logger
	sinks   []Sink
	ch      chan models.Event
	timeout time.Duration
	now     func() time.Time

	once sync.Once
	wg   sync.WaitGroup
	stop chan struct{}
}

var _ Notifier = (*Dispatcher)(nil)

func NewDispatcher(log *zap.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		log:     log.Named("notify"),
		sinks:   sinks,
		ch:      make(chan models.Event, buffer),
		timeout: 10 * time.Second,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (d *Dispatcher) Notify(e models.Event) {
	if e.At.IsZero() {
		e.At = d.now()
	}
	metrics.Events.WithLabelValues(string(e.Level), e.Category).Inc()
	select {
	case d.ch <- e:
	default:
		metrics.EventsDropped.Inc()
		d.log.Warn("event dropped, queue full", zap.String("category", e.Category), zap.String("message", e.Message))
	}
}

// Start запускает доставку. Останавливается через Stop (с дочиткой очереди).
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-d.ch:
				d.deliver(e)
			case <-d.stop:
				for {
					select {
					case e := <-d.ch:
						d.deliver(e)
					default:
						return
					}
				}
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) deliver(e models.Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := s.Send(ctx, e); err != nil {
			d.log.Warn("sink failed", zap.String("sink", s.Name()), zap.Error(err))
		}
		cancel()
	}
}

// Recorder: синхронный Notifier для тестов и CLI-прогонов.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(e models.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// Count число событий уровня level и категории category ("": любая).
func (r *Recorder) Count(level models.Level, category string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Level == level && (category == "" || e.Category == category) {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
