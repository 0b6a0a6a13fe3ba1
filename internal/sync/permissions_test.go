package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionBroker_ResolveSelected(t *testing.T) {
	b := NewPermissionBroker()

	answered := make(chan PermissionOutcome, 1)
	go func() {
		outcome, err := b.Request(context.Background(), PermissionRequest{RequestID: "r1", SessionID: "s1"})
		assert.NoError(t, err)
		answered <- outcome
	}()
	require.Eventually(t, func() bool {
		return len(b.Pending("s1")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Resolve("r1", PermissionOutcome{Outcome: "selected", OptionID: "allow"}))

	outcome := <-answered
	assert.Equal(t, "selected", outcome.Outcome)
	assert.Equal(t, "allow", outcome.OptionID)
	assert.False(t, outcome.Cancelled())
	assert.Empty(t, b.Pending("s1"))
}

func TestPermissionBroker_ContextCancelYieldsCancelled(t *testing.T) {
	b := NewPermissionBroker()
	ctx, cancel := context.WithCancel(context.Background())

	answered := make(chan PermissionOutcome, 1)
	go func() {
		outcome, err := b.Request(ctx, PermissionRequest{RequestID: "r1", SessionID: "s1"})
		assert.NoError(t, err)
		answered <- outcome
	}()
	require.Eventually(t, func() bool {
		return len(b.Pending("s1")) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	outcome := <-answered
	assert.True(t, outcome.Cancelled())

	// The request is gone; late answers are rejected.
	assert.Error(t, b.Resolve("r1", PermissionOutcome{Outcome: "selected"}))
}

func TestPermissionBroker_RejectsDuplicatesAndUnknown(t *testing.T) {
	b := NewPermissionBroker()

	assert.Error(t, b.Resolve("nope", PermissionOutcome{Outcome: "selected"}))

	_, err := b.Request(context.Background(), PermissionRequest{})
	assert.Error(t, err, "a request without an id cannot be resolved later")

	go b.Request(context.Background(), PermissionRequest{RequestID: "dup", SessionID: "s1"}) //nolint:errcheck
	require.Eventually(t, func() bool {
		return len(b.Pending("s1")) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = b.Request(context.Background(), PermissionRequest{RequestID: "dup", SessionID: "s1"})
	assert.Error(t, err)

	require.NoError(t, b.Resolve("dup", PermissionOutcome{Outcome: "cancelled"}))
}
