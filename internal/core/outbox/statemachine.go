package outbox

import (
	"context"
	"time"

	"outboxd/internal/core/apperror"
	"outboxd/pkg/logger"
)

// DeliveryPassResult reports what one RunDeliveryPass call actually did,
// for the caller's own bookkeeping (metrics, logging) without RunDeliveryPass
// itself taking on any I/O dependency beyond the Tx/Bus it already needs.
type DeliveryPassResult struct {
	// SentCount is the number of messages successfully sent and deleted
	// this pass.
	SentCount int
	// Faulted is true if the pass stopped early on a send fault (vs.
	// exhausting the available messages or the delivery limit cleanly).
	Faulted bool
}

// RunDeliveryPass is the Outbox State Machine's delivery pass (spec
// §4.4): given the current state, it sends as many pending messages as
// MessageDeliveryLimit allows, in ascending SequenceNumber order,
// skipping null-destination messages and stopping at the first send
// fault. It
// returns the state to persist next; the caller is responsible for
// bumping Version and replacing it under the optimistic guard.
//
// A null destination address is a permanent skip, not a fault: it
// advances i without advancing sentSeq or counting against the limit.
// A send fault halts the loop immediately; nothing after it is sent,
// and the cursor does not move past it.
func RunDeliveryPass(ctx context.Context, tx Tx, bus Bus, state *OutboxState, opts Options, log *logger.Logger) (*OutboxState, DeliveryPassResult, error) {
	var last int64
	if state.LastSequenceNumber != nil {
		last = *state.LastSequenceNumber
	}

	limit := opts.MessageDeliveryLimit
	queryLimit := limit + 1 // lookahead: disambiguates "batch full" from "drained" (spec §4.4 step 2, §9)

	messages, err := tx.PendingMessages(ctx, state.OutboxID, last, queryLimit)
	if err != nil {
		return nil, DeliveryPassResult{}, apperror.NewTransientStore("read pending messages", err)
	}

	var sentSeq int64
	sentCount := 0
	faulted := false
	i := 0

	for i < len(messages) && sentCount < limit {
		msg := messages[i]

		if msg.DestinationAddress == nil {
			log.Warnw("null destination, skipping message",
				"outbox_id", state.OutboxID, "message_id", msg.MessageID, "sequence_number", msg.SequenceNumber)
			i++
			continue
		}

		endpoint, endpointErr := bus.GetSendEndpoint(ctx, *msg.DestinationAddress)
		if endpointErr != nil {
			log.Warnw("outbox-send-fault",
				"outbox_id", state.OutboxID, "sequence_number", msg.SequenceNumber, "message_id", msg.MessageID, "error", endpointErr)
			faulted = true
			break
		}

		sendCtx, cancel := context.WithTimeout(ctx, opts.MessageDeliveryTimeout)
		sendErr := bus.Send(sendCtx, endpoint, Envelope{MessageID: msg.MessageID, Headers: msg.Headers, Body: msg.Body})
		cancel()

		if sendErr != nil {
			log.Warnw("outbox-send-fault",
				"outbox_id", state.OutboxID, "sequence_number", msg.SequenceNumber, "message_id", msg.MessageID, "error", sendErr)
			faulted = true
			break
		}

		if delErr := tx.DeleteMessage(ctx, msg.MessageID); delErr != nil {
			return nil, DeliveryPassResult{}, apperror.NewTransientStore("delete delivered message", delErr)
		}

		log.Infow("outbox-sent",
			"outbox_id", state.OutboxID, "sequence_number", msg.SequenceNumber, "message_id", msg.MessageID)

		sentSeq = msg.SequenceNumber
		sentCount++
		i++
	}

	next := *state
	if sentSeq > 0 {
		next.LastSequenceNumber = &sentSeq
	}

	if i == len(messages) && len(messages) < queryLimit {
		now := time.Now().UTC()
		next.Delivered = &now
	}

	return &next, DeliveryPassResult{SentCount: sentCount, Faulted: faulted}, nil
}
