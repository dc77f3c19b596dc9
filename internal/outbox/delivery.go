package outbox

import (
	"context"

	"github.com/matheus3301/chatsync/internal/state"
)

// Delivery is the pending outcome of one Send.
type Delivery struct {
	TempID string

	done chan struct{}
	msg  state.Message
	err  error
}

func newDelivery(tempID string) *Delivery {
	return &Delivery{TempID: tempID, done: make(chan struct{})}
}

func (d *Delivery) finish(msg state.Message, err error) {
	d.msg, d.err = msg, err
	close(d.done)
}

// Done is closed when the server accepted or rejected the message.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the delivery completes and returns the confirmed
// message or the send error.
func (d *Delivery) Wait(ctx context.Context) (state.Message, error) {
	select {
	case <-d.done:
		return d.msg, d.err
	case <-ctx.Done():
		return state.Message{}, ctx.Err()
	}
}
