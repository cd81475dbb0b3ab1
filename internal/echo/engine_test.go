// ABOUTME: Tests for the echo engine
// ABOUTME: One unit at a time; injected notes show up in the answer

package echo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_EchoesAndFrees(t *testing.T) {
	e := New(20 * time.Millisecond)

	var mu sync.Mutex
	var got []string
	e.OnComplete(func(unitID, result string, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, unitID+"|"+result)
	})

	id, err := e.StartNew(context.Background(), "[message from boss, id m1]\nhello")
	require.NoError(t, err)
	assert.True(t, e.IsBusy())

	_, err = e.StartNew(context.Background(), "second")
	assert.Error(t, err, "one unit at a time")
	require.NoError(t, e.InjectNow("also this"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, e.IsBusy())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id+"|Echo: hello\n(noted while working: also this)", got[0])
}

func TestEngine_InjectWhenIdle(t *testing.T) {
	assert.Error(t, New(0).InjectNow("nobody home"))
}
