package intrusive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type intListNode struct {
	val        int
	prev, next *intListNode
}

type intListHooks struct{}

func (intListHooks) Next(n *intListNode) *intListNode    { return n.next }
func (intListHooks) SetNext(n, v *intListNode)           { n.next = v }
func (intListHooks) Prev(n *intListNode) *intListNode    { return n.prev }
func (intListHooks) SetPrev(n, v *intListNode)           { n.prev = v }

func collect(l *List[*intListNode]) []int {
	var vals []int
	for n := l.Front(); n != nil; n = intListHooks{}.Next(n) {
		vals = append(vals, n.val)
	}
	return vals
}

func TestListPushFrontOrdersMostRecentFirst(t *testing.T) {
	l := NewList[*intListNode](intListHooks{})
	l.PushFront(&intListNode{val: 1})
	l.PushFront(&intListNode{val: 2})
	l.PushFront(&intListNode{val: 3})

	assert.Equal(t, []int{3, 2, 1}, collect(l))
}

func TestListPopFrontReturnsAndUnlinksHead(t *testing.T) {
	l := NewList[*intListNode](intListHooks{})
	a, b := &intListNode{val: 1}, &intListNode{val: 2}
	l.PushFront(b)
	l.PushFront(a)

	got := l.PopFront()
	assert.Same(t, a, got)
	assert.Equal(t, []int{2}, collect(l))
	assert.Nil(t, a.next)
	assert.Nil(t, a.prev)
}

func TestListRemoveFromMiddle(t *testing.T) {
	l := NewList[*intListNode](intListHooks{})
	a, b, c := &intListNode{val: 1}, &intListNode{val: 2}, &intListNode{val: 3}
	l.PushFront(c)
	l.PushFront(b)
	l.PushFront(a)

	l.Remove(b)
	assert.Equal(t, []int{1, 3}, collect(l))
	assert.Nil(t, b.prev)
	assert.Nil(t, b.next)
}

func TestListEmptyAfterRemovingOnlyNode(t *testing.T) {
	l := NewList[*intListNode](intListHooks{})
	n := &intListNode{val: 1}
	l.PushFront(n)
	l.Remove(n)

	assert.True(t, l.Empty())
	assert.Nil(t, l.Front())
}
