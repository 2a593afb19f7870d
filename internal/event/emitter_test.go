package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cory-johannsen/playnet/internal/event"
)

func TestEmitter_OnFiresInOrder(t *testing.T) {
	var e event.Emitter[int]
	var got []int
	e.On(func(v int) { got = append(got, v) })
	e.On(func(v int) { got = append(got, v*10) })

	e.Fire(1)
	e.Fire(2)

	assert.Equal(t, []int{1, 10, 2, 20}, got)
}

func TestEmitter_OnceFiresOnce(t *testing.T) {
	var e event.Emitter[string]
	var n int
	e.Once(func(string) { n++ })
	e.Fire("a")
	e.Fire("b")
	assert.Equal(t, 1, n)
	assert.Zero(t, e.Len())
}

func TestEmitter_Off(t *testing.T) {
	var e event.Emitter[struct{}]
	var n int
	h := e.On(func(struct{}) { n++ })
	e.Off(h)
	e.Off(h)
	e.Fire(struct{}{})
	assert.Zero(t, n)
}

func TestEmitter_ListenerMayRemoveItself(t *testing.T) {
	var e event.Emitter[int]
	var n int
	var h event.Handle
	h = e.On(func(int) {
		n++
		e.Off(h)
	})
	e.Fire(0)
	e.Fire(0)
	assert.Equal(t, 1, n)
}

func TestEmitter_ListenerAddedDuringFireWaitsForNext(t *testing.T) {
	var e event.Emitter[int]
	var late int
	e.Once(func(int) { e.On(func(int) { late++ }) })
	e.Fire(0)
	assert.Zero(t, late)
	e.Fire(0)
	assert.Equal(t, 1, late)
}

func TestEmitter_Clear(t *testing.T) {
	var e event.Emitter[int]
	e.On(func(int) { t.Fatal("cleared listener fired") })
	e.Clear()
	e.Fire(1)
}
