package replication

import (
	"github.com/raniellyferreira/localfirst-replica/internal/mailbox"
	"github.com/raniellyferreira/localfirst-replica/protocol"
)

// Inbox is the unbounded request channel of one side. Send never blocks.
type Inbox struct {
	side  Side
	queue *mailbox.Queue[protocol.ChangeRequest]
}

func newInbox(side Side) *Inbox {
	return &Inbox{side: side, queue: mailbox.New[protocol.ChangeRequest]()}
}

// Side returns the side the inbox feeds
func (in *Inbox) Side() Side {
	return in.side
}

// Send queues req. It fails with ErrStopped once the loop stopped accepting
// requests.
func (in *Inbox) Send(req protocol.ChangeRequest) error {
	if err := in.queue.Push(req); err != nil {
		return ErrStopped
	}
	return nil
}

// Close closes the channel. The loop finishes the requests already queued
// and then ends with ErrChannelClosed.
func (in *Inbox) Close() {
	in.queue.Close()
}

// Len returns the number of queued requests
func (in *Inbox) Len() int {
	return in.queue.Len()
}
