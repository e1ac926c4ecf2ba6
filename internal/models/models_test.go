package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionForward(t *testing.T) {
	assert.True(t, CanTransition(OrderStatusPending, OrderStatusPaid))
	assert.True(t, CanTransition(OrderStatusPaid, OrderStatusShipped))
	assert.True(t, CanTransition(OrderStatusShipped, OrderStatusCompleted))
	assert.True(t, CanTransition(OrderStatusPending, OrderStatusShipped))
}

func TestCanTransitionBackwardDenied(t *testing.T) {
	assert.False(t, CanTransition(OrderStatusPaid, OrderStatusPending))
	assert.False(t, CanTransition(OrderStatusCompleted, OrderStatusShipped))
	assert.False(t, CanTransition(OrderStatusPending, OrderStatusPending))
}

func TestCancelledReachableFromNonTerminal(t *testing.T) {
	assert.True(t, CanTransition(OrderStatusPending, OrderStatusCancelled))
	assert.True(t, CanTransition(OrderStatusPaid, OrderStatusCancelled))
	assert.True(t, CanTransition(OrderStatusShipped, OrderStatusCancelled))
	assert.False(t, CanTransition(OrderStatusCompleted, OrderStatusCancelled))
	assert.False(t, CanTransition(OrderStatusCancelled, OrderStatusCancelled))
}

func TestCancelledIsTerminal(t *testing.T) {
	assert.False(t, CanTransition(OrderStatusCancelled, OrderStatusPaid))
	assert.False(t, CanTransition(OrderStatusCancelled, OrderStatusShipped))
	assert.True(t, IsTerminalStatus(OrderStatusCancelled))
	assert.True(t, IsTerminalStatus(OrderStatusCompleted))
	assert.False(t, IsTerminalStatus(OrderStatusPending))
}

func TestCanTransitionUnknownStatus(t *testing.T) {
	assert.False(t, CanTransition("REFUNDED", OrderStatusPaid))
	assert.False(t, CanTransition(OrderStatusPending, "REFUNDED"))
}
