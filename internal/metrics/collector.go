package metrics

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/status"
)

// Watch feeds the collectors from b until the returned stop function is
// called. stop waits for the consumer to exit.
func Watch(b *bus.Bus) (stop func()) {
	ch, unsub := b.Subscribe("", 256)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case evt := <-ch:
				Record(evt)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
			wg.Wait()
		})
	}
}

// Record updates the collectors for one bus event.
func Record(evt bus.Event) {
	switch evt.Kind {
	case bus.TransportStateChanged:
		if c, ok := evt.Payload.(status.StatusChange); ok {
			ConnectionState.Set(stateValue(c.To))
		}
	case bus.TransportReconnectScheduled:
		Reconnects.Inc()
	case bus.TransportReconnectExhausted:
		ReconnectsExhausted.Inc()
	case bus.TransportSendDropped:
		EventsDropped.Inc()
	case bus.MessageSendAck:
		MessagesTotal.WithLabelValues("sent").Inc()
	case bus.MessageSendFailed:
		MessagesTotal.WithLabelValues("failed").Inc()
	case bus.MessageReceived:
		MessagesTotal.WithLabelValues("received").Inc()
	case bus.RouterHandlerPanic:
		RouterErrors.WithLabelValues("panic").Inc()
	case bus.RouterDecodeFailed:
		RouterErrors.WithLabelValues("decode").Inc()
	}
}

// ObserveState updates the snapshot gauges. It is meant to be registered
// as a store subscriber.
func ObserveState(s state.State) {
	UnreadMessages.Set(float64(s.TotalUnread))
	Conversations.Set(float64(len(s.Conversations)))
	pending := 0
	for _, msgs := range s.Messages {
		for _, m := range msgs {
			if m.Status == state.StatusSending {
				pending++
			}
		}
	}
	PendingMessages.Set(float64(pending))
}

func stateValue(s status.State) float64 {
	switch s {
	case status.Connecting:
		return 1
	case status.Connected:
		return 2
	default:
		return 0
	}
}
