package progressthrottle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldEmitAdmitsOncePerInterval(t *testing.T) {
	tr := New(50 * time.Millisecond)
	assert.True(t, tr.ShouldEmit())
	assert.False(t, tr.ShouldEmit())
	time.Sleep(60 * time.Millisecond)
	assert.True(t, tr.ShouldEmit())
}

func TestForceEmitResetsWindow(t *testing.T) {
	tr := New(time.Hour)
	assert.True(t, tr.ShouldEmit())
	assert.False(t, tr.ShouldEmit())
	tr.ForceEmit()
	// window reset to "now" again, so immediate ShouldEmit still denies
	// (interval hasn't elapsed) but a subsequent caller can always force.
	assert.False(t, tr.ShouldEmit())
}

func TestConcurrentShouldEmitAdmitsExactlyOnePerBurst(t *testing.T) {
	tr := New(time.Hour)
	var admitted int
	done := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		go func() {
			done <- tr.ShouldEmit()
		}()
	}
	for i := 0; i < 20; i++ {
		if <-done {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
}
