package bidi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitter(t *testing.T) {
	t.Parallel()

	var e Emitter[int]
	var a, b []int
	unsubA := e.Subscribe(func(v int) { a = append(a, v) })
	e.Subscribe(func(int) { panic("boom") })
	e.Subscribe(func(v int) { b = append(b, v) })
	assert.Equal(t, 3, e.Len())

	e.Emit(1)
	unsubA()
	unsubA()
	e.Emit(2)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)
	assert.Equal(t, 2, e.Len())
}

func TestTimeoutSettings(t *testing.T) {
	t.Parallel()

	parent := NewTimeoutSettings(nil)
	assert.Equal(t, DefaultTimeout, parent.Timeout())
	assert.Equal(t, DefaultTimeout, parent.NavigationTimeout())

	parent.SetDefaultTimeout(5 * time.Second)
	child := NewTimeoutSettings(parent)
	assert.Equal(t, 5*time.Second, child.Timeout())
	assert.Equal(t, 5*time.Second, child.NavigationTimeout())

	child.SetDefaultNavigationTimeout(time.Second)
	assert.Equal(t, 5*time.Second, child.Timeout())
	assert.Equal(t, time.Second, child.NavigationTimeout())

	var unset *TimeoutSettings
	assert.Equal(t, DefaultTimeout, unset.Timeout())
}
