package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"outboxd/internal/core/id"
	core "outboxd/internal/core/outbox"
)

func TestExtractDBColumns_OutboxMessage(t *testing.T) {
	cols := ExtractDBColumns[core.OutboxMessage]()

	expected := []string{
		"message_id", "outbox_id", "sequence_number", "destination_address", "headers", "body", "created_at",
	}
	for _, col := range expected {
		assert.Contains(t, cols, col)
	}
}

func TestExtractDBColumns_OutboxState(t *testing.T) {
	cols := ExtractDBColumns[core.OutboxState]()

	expected := []string{"outbox_id", "last_sequence_number", "delivered", "version", "lock_token"}
	for _, col := range expected {
		assert.Contains(t, cols, col)
	}
}

func TestStructToMap_OutboxMessage(t *testing.T) {
	now := time.Now().UTC()
	address := "orders.created"
	msg := core.OutboxMessage{
		MessageID:          id.New(),
		OutboxID:           id.New(),
		SequenceNumber:     42,
		DestinationAddress: &address,
		Headers:            []byte(`{"trace":"abc"}`),
		Body:               []byte(`{"amount":100}`),
		CreatedAt:          now,
	}

	m := StructToMap(msg)

	assert.Equal(t, msg.MessageID, m["message_id"])
	assert.Equal(t, msg.OutboxID, m["outbox_id"])
	assert.Equal(t, int64(42), m["sequence_number"])
	assert.Equal(t, &address, m["destination_address"])
	assert.Equal(t, msg.Headers, m["headers"])
	assert.Equal(t, msg.Body, m["body"])
	assert.Equal(t, now, m["created_at"])
}

func TestStructToMap_OutboxState(t *testing.T) {
	last := int64(7)
	state := core.OutboxState{
		OutboxID:           id.New(),
		LastSequenceNumber: &last,
		Version:            3,
		LockToken:          "token-1",
	}

	m := StructToMap(state)

	assert.Equal(t, state.OutboxID, m["outbox_id"])
	assert.Equal(t, &last, m["last_sequence_number"])
	assert.Nil(t, m["delivered"])
	assert.Equal(t, int64(3), m["version"])
	assert.Equal(t, "token-1", m["lock_token"])
}
