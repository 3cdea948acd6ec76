// Package registry holds every live media entity of the gateway.
//
// Entities are routers, transports, producers and consumers, keyed by the
// opaque id the media engine assigned to them. The registry never generates
// ids. It is the single source of truth for lookups: a handle that is not in
// the registry does not exist as far as the signalling protocol is concerned.
//
// Each kind lives in its own sharded concurrent map, so concurrent requests
// touching different ids do not contend.
package registry

import (
	"errors"
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Kind is the class of entity stored under an id.
type Kind int

const (
	KindRouter Kind = iota
	KindTransport
	KindProducer
	KindConsumer

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindRouter:
		return "router"
	case KindTransport:
		return "transport"
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	ErrNotFound  = errors.New("registry: entity not found")
	ErrExists    = errors.New("registry: entity already registered")
	ErrEmptyID   = errors.New("registry: empty id")
	ErrNilHandle = errors.New("registry: nil handle")
	ErrWrongType = errors.New("registry: handle has unexpected type")
	ErrBadKind   = errors.New("registry: unknown kind")
)

// NotFoundError is returned by Get for an absent id.
// Callers treat it as a protocol level failure ("bad request"), never as a crash.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: %s with id %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type Registry struct {
	entities [kindCount]cmap.ConcurrentMap[string, any]
}

func New() *Registry {
	r := &Registry{}
	for i := range r.entities {
		r.entities[i] = cmap.New[any]()
	}
	return r
}

func (r *Registry) entitiesOf(kind Kind) (cmap.ConcurrentMap[string, any], bool) {
	if kind < 0 || kind >= kindCount {
		return cmap.ConcurrentMap[string, any]{}, false
	}
	return r.entities[kind], true
}

// Put registers handle under (kind, id). Registrations are append-only:
// an id already present for the kind is rejected with ErrExists.
func (r *Registry) Put(kind Kind, id string, handle any) error {
	if id == "" {
		return ErrEmptyID
	}
	if handle == nil {
		return ErrNilHandle
	}
	entities, ok := r.entitiesOf(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBadKind, kind)
	}
	if !entities.SetIfAbsent(id, handle) {
		return fmt.Errorf("%w: %s %q", ErrExists, kind, id)
	}
	return nil
}

// Get returns the handle registered under (kind, id) or a *NotFoundError.
func (r *Registry) Get(kind Kind, id string) (any, error) {
	entities, ok := r.entitiesOf(kind)
	if !ok {
		return nil, &NotFoundError{Kind: kind, ID: id}
	}
	handle, ok := entities.Get(id)
	if !ok {
		return nil, &NotFoundError{Kind: kind, ID: id}
	}
	return handle, nil
}

// Remove drops (kind, id). Removing an absent id is a no-op.
func (r *Registry) Remove(kind Kind, id string) {
	if entities, ok := r.entitiesOf(kind); ok {
		entities.Remove(id)
	}
}

// Len counts the entities of a kind.
func (r *Registry) Len(kind Kind) int {
	entities, ok := r.entitiesOf(kind)
	if !ok {
		return 0
	}
	return entities.Count()
}

// Lookup is a typed Get. A handle of another type is reported as ErrWrongType.
func Lookup[T any](r *Registry, kind Kind, id string) (T, error) {
	var zero T
	handle, err := r.Get(kind, id)
	if err != nil {
		return zero, err
	}
	typed, ok := handle.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s %q is %T", ErrWrongType, kind, id, handle)
	}
	return typed, nil
}
