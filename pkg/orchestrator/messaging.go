package orchestrator

import (
	"context"
	"time"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// SendMessage queues a message for one agent. A full queue drops the
// oldest message so a wedged consumer never blocks the sender.
func (o *Orchestrator) SendMessage(agentID, from, content string) error {
	const op = "sendMessage"

	o.mu.Lock()
	queue, ok := o.queues[agentID]
	o.mu.Unlock()
	if !ok {
		return errs.Newf(errs.NotFound, component, op, "no agent %s", agentID)
	}

	msg := QueuedMessage{From: from, Content: content, SentAt: time.Now().UTC()}
	for {
		select {
		case queue <- msg:
			return nil
		default:
		}
		select {
		case dropped := <-queue:
			o.log.Warn("message queue full, dropping oldest",
				"agent_id", agentID, "from", dropped.From)
		default:
		}
	}
}

// Broadcast queues a message for every registered agent except the
// sender.
func (o *Orchestrator) Broadcast(from, content string) int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.queues))
	for id := range o.queues {
		if id != from {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	delivered := 0
	for _, id := range ids {
		if err := o.SendMessage(id, from, content); err == nil {
			delivered++
		}
	}
	return delivered
}

// ReceiveMessages drains an agent's queue. When the queue is empty it
// waits up to the configured receive window for a first message, then
// returns whatever arrived.
func (o *Orchestrator) ReceiveMessages(ctx context.Context, agentID string) ([]QueuedMessage, error) {
	const op = "receiveMessages"

	o.mu.Lock()
	queue, ok := o.queues[agentID]
	o.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.NotFound, component, op, "no agent %s", agentID)
	}

	var out []QueuedMessage

	select {
	case msg := <-queue:
		out = append(out, msg)
	case <-time.After(o.cfg.Orchestrator.ReceiveWait):
		return nil, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, component, op, ctx.Err())
	}

	for {
		select {
		case msg := <-queue:
			out = append(out, msg)
		default:
			return out, nil
		}
	}
}
