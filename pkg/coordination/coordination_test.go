package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_SingleNodeBecomesLeader(t *testing.T) {
	c, err := New(Config{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:17831",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	defer c.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("single-node coordination group never elected a leader")
}

func TestRunWhileLeader_CallsFnOnlyWhenLeader(t *testing.T) {
	c, err := New(Config{
		NodeID:   "node-2",
		BindAddr: "127.0.0.1:17832",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	defer c.Shutdown()

	// A fresh single-node group needs up to twice the 500ms election
	// timeout before it elects itself, so the run must outlast that.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	calls := 0
	c.RunWhileLeader(ctx, 20*time.Millisecond, func(context.Context) error {
		if !c.IsLeader() {
			t.Error("fn called while not leader")
		}
		calls++
		return nil
	})

	require.Greater(t, calls, 0)
}
