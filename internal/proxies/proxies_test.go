package proxies

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotIdentity(t *testing.T) {
	s := &Slot{Host: "10.0.0.1", Port: 3128, Protocol: "socks5", Username: "u", Password: "secret"}
	assert.Equal(t, "socks5://10.0.0.1:3128", s.Identity())
	assert.NotContains(t, s.Identity(), "secret")

	assert.Equal(t, "http://h:80", (&Slot{Host: "h", Port: 80}).Identity())

	var nilSlot *Slot
	assert.Equal(t, "", nilSlot.Identity())
}

func TestAcquire_NilProvider(t *testing.T) {
	assert.Nil(t, Acquire(context.Background(), nil))
}

func TestMemoryPool_LeastUsedRotation(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPool(
		&Slot{ID: "b", Host: "b", Port: 1},
		&Slot{ID: "a", Host: "a", Port: 1},
		&Slot{ID: "c", Host: "c", Port: 1},
	)

	var got []string
	for i := 0; i < 6; i++ {
		s := p.Acquire(ctx)
		require.NotNil(t, s)
		got = append(got, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
	assert.Equal(t, int64(2), p.Usage("a"))
}

func TestMemoryPool_PeekDoesNotCountUse(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPool(&Slot{ID: "a", Host: "a", Port: 1}, &Slot{ID: "b", Host: "b", Port: 1})

	assert.Equal(t, "a", p.Peek(ctx).ID)
	assert.Equal(t, "a", p.Peek(ctx).ID)
	assert.Zero(t, p.Usage("a"))

	assert.Equal(t, "a", p.Acquire(ctx).ID)
	assert.Equal(t, "b", p.Peek(ctx).ID)
	assert.Nil(t, Peek(ctx, nil))
	assert.Nil(t, NewMemoryPool().Peek(ctx))
}

func TestMemoryPool_EmptyAndRemove(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPool()
	assert.Nil(t, p.Acquire(ctx))

	p.Add(&Slot{ID: "x", Host: "x", Port: 1})
	assert.Equal(t, 1, p.Len())
	require.NoError(t, p.Remove(ctx, "x"))
	assert.Nil(t, p.Acquire(ctx))
}

func TestMemoryPool_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPool(&Slot{ID: "x", Host: "x", Port: 1})
	s := p.Acquire(ctx)
	s.Host = "mutated"
	assert.Equal(t, "x", p.Acquire(ctx).Host)
}
