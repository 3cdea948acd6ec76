package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRouter struct{ id string }

func TestRegistry_PutGetRemove(t *testing.T) {
	r := New()

	require.NoError(t, r.Put(KindRouter, "r1", &fakeRouter{id: "r1"}))

	handle, err := r.Get(KindRouter, "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", handle.(*fakeRouter).id)

	r.Remove(KindRouter, "r1")
	_, err = r.Get(KindRouter, "r1")
	require.ErrorIs(t, err, ErrNotFound)

	// Removing twice is fine.
	r.Remove(KindRouter, "r1")
}

func TestRegistry_NotFoundError(t *testing.T) {
	r := New()

	_, err := r.Get(KindTransport, "missing")

	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, KindTransport, notFound.Kind)
	require.Equal(t, "missing", notFound.ID)
	require.Contains(t, err.Error(), "transport")
}

func TestRegistry_KindsAreIndependent(t *testing.T) {
	r := New()

	require.NoError(t, r.Put(KindRouter, "same", "router"))
	require.NoError(t, r.Put(KindTransport, "same", "transport"))

	got, err := r.Get(KindRouter, "same")
	require.NoError(t, err)
	require.Equal(t, "router", got)

	got, err = r.Get(KindTransport, "same")
	require.NoError(t, err)
	require.Equal(t, "transport", got)

	_, err = r.Get(KindProducer, "same")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_PutIsAppendOnly(t *testing.T) {
	r := New()

	require.NoError(t, r.Put(KindProducer, "p1", "first"))
	err := r.Put(KindProducer, "p1", "second")
	require.ErrorIs(t, err, ErrExists)

	got, err := r.Get(KindProducer, "p1")
	require.NoError(t, err)
	require.Equal(t, "first", got)
}

func TestRegistry_RejectsInvalidInput(t *testing.T) {
	r := New()

	require.ErrorIs(t, r.Put(KindRouter, "", "x"), ErrEmptyID)
	require.ErrorIs(t, r.Put(KindRouter, "r", nil), ErrNilHandle)
	require.ErrorIs(t, r.Put(Kind(42), "r", "x"), ErrBadKind)

	_, err := r.Get(Kind(42), "r")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, r.Len(Kind(42)))
	r.Remove(Kind(42), "r")
}

func TestLookup_Typed(t *testing.T) {
	r := New()
	require.NoError(t, r.Put(KindRouter, "r1", &fakeRouter{id: "r1"}))

	router, err := Lookup[*fakeRouter](r, KindRouter, "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", router.id)

	_, err = Lookup[string](r, KindRouter, "r1")
	require.ErrorIs(t, err, ErrWrongType)

	_, err = Lookup[*fakeRouter](r, KindRouter, "r2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			require.NoError(t, r.Put(KindTransport, id, i))
			got, err := r.Get(KindTransport, id)
			require.NoError(t, err)
			require.Equal(t, i, got)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 50, r.Len(KindTransport))
	require.Equal(t, 0, r.Len(KindRouter))
}

func TestRegistry_ConcurrentPutsOfOneIDKeepTheFirst(t *testing.T) {
	r := New()

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Put(KindProducer, "p1", i); err == nil {
				won.Add(1)
			} else {
				require.ErrorIs(t, err, ErrExists)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), won.Load())
	require.Equal(t, 1, r.Len(KindProducer))
}
