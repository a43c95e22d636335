package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimed struct {
	node ringNode
	exp  time.Time
}

func newFakeTimed(exp time.Time) *fakeTimed {
	f := &fakeTimed{exp: exp}
	f.node.owner = f
	f.node.detach()
	return f
}

func (f *fakeTimed) expiration() time.Time { return f.exp }

func drain(l *timeList) []*fakeTimed {
	var out []*fakeTimed
	for !l.empty() {
		f := l.oldest().(*fakeTimed)
		out = append(out, f)
		f.node.detach()
	}
	return out
}

func TestTimeList_SortsSoonestFirst(t *testing.T) {
	l := newTimeList()
	base := time.Now()

	c := newFakeTimed(base.Add(3 * time.Second))
	a := newFakeTimed(base.Add(1 * time.Second))
	b := newFakeTimed(base.Add(2 * time.Second))
	for _, f := range []*fakeTimed{c, a, b} {
		l.update(&f.node)
	}

	assert.Equal(t, []*fakeTimed{a, b, c}, drain(l))
	assert.True(t, l.empty())
	assert.Nil(t, l.oldest())
}

func TestTimeList_RefreshMovesToTail(t *testing.T) {
	l := newTimeList()
	base := time.Now()

	a := newFakeTimed(base.Add(1 * time.Second))
	b := newFakeTimed(base.Add(2 * time.Second))
	l.update(&a.node)
	l.update(&b.node)
	require.Same(t, a, l.oldest())

	a.exp = base.Add(5 * time.Second)
	l.update(&a.node)
	assert.Equal(t, []*fakeTimed{b, a}, drain(l))
}

func TestTimeList_EqualExpirationsKeepInsertOrderStable(t *testing.T) {
	l := newTimeList()
	at := time.Now()

	a := newFakeTimed(at)
	b := newFakeTimed(at)
	l.update(&a.node)
	l.update(&b.node)

	// The tail scan inserts an equal-expiration record after existing
	// ones.
	assert.Equal(t, []*fakeTimed{a, b}, drain(l))
}

func TestTimeList_DetachFromMiddle(t *testing.T) {
	l := newTimeList()
	base := time.Now()
	a := newFakeTimed(base.Add(1 * time.Second))
	b := newFakeTimed(base.Add(2 * time.Second))
	c := newFakeTimed(base.Add(3 * time.Second))
	for _, f := range []*fakeTimed{a, b, c} {
		l.update(&f.node)
	}

	b.node.detach()
	assert.Equal(t, []*fakeTimed{a, c}, drain(l))
}
