package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("@every 15s"))
	assert.NoError(t, Validate("*/30 * * * * *"))
	assert.NoError(t, Validate("*/5 * * * *"))
	assert.Error(t, Validate("every fifteen seconds"))
}

func TestNew_RecoversPanics(t *testing.T) {
	c := New(zaptest.NewLogger(t))

	var runs atomic.Int32
	_, err := c.AddFunc("@every 1s", func() {
		runs.Add(1)
		panic("boom")
	})
	require.NoError(t, err)

	c.Start()
	defer func() { <-c.Stop().Done() }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}
