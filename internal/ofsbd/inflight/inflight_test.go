// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package inflight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGate_EnterLeave(t *testing.T) {
	var g Gate

	require.True(t, g.Enter())
	require.True(t, g.Enter())
	assert.Equal(t, int64(2), g.Current())

	g.Leave()
	g.Leave()
	assert.Zero(t, g.Current())
}

func TestGate_CloseIdle(t *testing.T) {
	var g Gate

	require.NoError(t, g.Close(context.Background()))
	assert.True(t, g.Closed())
	assert.False(t, g.Enter())
}

func TestGate_CloseDrains(t *testing.T) {
	var g Gate

	const requests = 8
	for i := 0; i < requests; i++ {
		require.True(t, g.Enter())
	}

	var left sync.WaitGroup
	left.Add(1)
	go func() {
		defer left.Done()
		for i := 0; i < requests; i++ {
			time.Sleep(time.Millisecond)
			g.Leave()
		}
	}()

	require.NoError(t, g.Close(context.Background()))
	assert.Zero(t, g.Current())
	assert.False(t, g.Enter())

	left.Wait()
}

func TestGate_CloseTimeout(t *testing.T) {
	var g Gate
	require.True(t, g.Enter())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, g.Close(ctx), context.DeadlineExceeded)
	assert.False(t, g.Enter())

	g.Leave()
	assert.NoError(t, g.Close(context.Background()))
}

func TestGate_LeaveWithoutEnter(t *testing.T) {
	var g Gate

	assert.Panics(t, g.Leave)
}
