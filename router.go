package corolock

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"weak"

	"github.com/llxisdsh/pb"
	"golang.org/x/sync/errgroup"
)

// Handler is a router subscriber: invoked with the key a message was
// published under (empty for BroadcastRouter) and the message itself.
type Handler[M any] func(ctx context.Context, key string, msg M) error

// PublishResult reports the number of distinct handlers invoked, and any
// per-handler failures folded into a single aggregate. Err is never
// returned as an ordinary Go error from PublishMessage's own
// (non-erroring) signature — it is reported only through this result.
type PublishResult struct {
	ReceiverCount uint
	Err           error
}

type subscription[M any] struct {
	id      uint64
	handler Handler[M]
}

func identityOf[M any](h Handler[M]) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// dispatch runs distinct-by-identity handlers from subs against (key, msg)
// concurrently, joining their errors via errors.Join. It never holds a
// registration gate while handlers run.
func dispatch[M any](ctx context.Context, subs []subscription[M], key string, msg M) PublishResult {
	seen := make(map[uintptr]bool, len(subs))
	distinct := make([]subscription[M], 0, len(subs))
	for _, s := range subs {
		id := identityOf(s.handler)
		if seen[id] {
			continue
		}
		seen[id] = true
		distinct = append(distinct, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	errs := make([]error, len(distinct))
	for i, s := range distinct {
		i, s := i, s
		g.Go(func() error {
			if err := s.handler(gctx, key, msg); err != nil {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	return PublishResult{
		ReceiverCount: uint(len(distinct)),
		Err:           errors.Join(errs...),
	}
}

// BroadcastRouter is a broadcast router: an immutable, copy-on-write
// snapshot of handlers, published to in full on every
// PublishMessage. Registration/unregistration take an internal gate;
// publication reads the current snapshot atomically by value without
// locking, so a publication sees either the pre- or post-registration
// state, never a torn one.
//
// Grounded on the reference corpus's ChannelPublisher idiom (found
// elsewhere in the example pack: a copy-on-write subscriber slice behind
// an atomic pointer, read lock-free on the publish path), adapted from
// channel fan-out to direct handler invocation.
type BroadcastRouter[M any] struct {
	_      noCopy
	gate   monitorGate
	subs   atomic.Pointer[[]subscription[M]]
	nextID atomic.Uint64
}

// NewBroadcastRouter creates an empty BroadcastRouter.
func NewBroadcastRouter[M any]() *BroadcastRouter[M] {
	r := &BroadcastRouter[M]{}
	empty := make([]subscription[M], 0)
	r.subs.Store(&empty)
	return r
}

// RegisterCallback subscribes h, returning a handle that unregisters it on
// Close. h must not be nil. The handle holds only a weak reference back to
// r: it does not keep the router alive, and Close on a router that has
// already been garbage-collected is a no-op.
func (r *BroadcastRouter[M]) RegisterCallback(ctx context.Context, h Handler[M]) (*ReleaseHandle, error) {
	if h == nil {
		return nil, invalidArgumentErr("handler must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelledErr(ctx)
	}

	id := r.nextID.Add(1)
	r.gate.Lock()
	old := *r.subs.Load()
	next := make([]subscription[M], len(old), len(old)+1)
	copy(next, old)
	next = append(next, subscription[M]{id: id, handler: h})
	r.subs.Store(&next)
	r.gate.Unlock()

	wr := weak.Make(r)
	return newReleaseHandle(func() {
		if router := wr.Value(); router != nil {
			router.unregister(id)
		}
	}), nil
}

func (r *BroadcastRouter[M]) unregister(id uint64) {
	r.gate.Lock()
	defer r.gate.Unlock()
	old := *r.subs.Load()
	next := make([]subscription[M], 0, len(old))
	for _, s := range old {
		if s.id != id {
			next = append(next, s)
		}
	}
	r.subs.Store(&next)
}

// PublishMessage dispatches msg to every distinct-by-identity registered
// handler. ReceiverCount equals the number of handlers registered at
// publish time (after identity de-duplication).
func (r *BroadcastRouter[M]) PublishMessage(ctx context.Context, msg M) PublishResult {
	snapshot := *r.subs.Load()
	return dispatch(ctx, snapshot, "", msg)
}

// AsRegistrar adapts r to the Registrar interface MessageQueue.Bind
// expects, ignoring the binding key since a BroadcastRouter has none.
func (r *BroadcastRouter[M]) AsRegistrar() Registrar[M] {
	return broadcastRegistrar[M]{r}
}

type broadcastRegistrar[M any] struct {
	r *BroadcastRouter[M]
}

func (b broadcastRegistrar[M]) RegisterCallback(ctx context.Context, _ string, h Handler[M]) (*ReleaseHandle, error) {
	return b.r.RegisterCallback(ctx, h)
}

// keyedSlot holds the copy-on-write subscription snapshot for one key,
// plus whether that key's lazy init (if any) has completed.
type keyedSlot[M any] struct {
	subs     atomic.Pointer[[]subscription[M]]
	initDone OnceFlag
}

// KeyedRouter is a keyed router: a map from case-insensitive key to an
// immutable array of subscriptions. Publish under key k invokes
// only subscriptions registered under k.
//
// The key map itself uses pb.MapOf (the corpus's own high-concurrency
// map), while each key's subscriber list is a copy-on-write snapshot
// identical in spirit to BroadcastRouter's.
type KeyedRouter[M any] struct {
	_        noCopy
	gate     monitorGate
	slots    pb.MapOf[string, *keyedSlot[M]]
	nextID   atomic.Uint64
	lazyInit OnceGroup[string, any]
	initFn   func(ctx context.Context, key string) error
}

// NewKeyedRouter creates an empty KeyedRouter.
func NewKeyedRouter[M any]() *KeyedRouter[M] {
	return &KeyedRouter[M]{}
}

// WithLazyInit installs a per-key setup function that runs the first time a
// handler is registered under a key; once it has succeeded for a key it
// never runs for that key again. A setup call that returns an error is not
// recorded as done: RegisterCallback returns that error, and the next
// registration under the key runs setup again. Concurrent first
// subscribers for the same key block on one another and share the same
// result, deduplicated through an internal OnceGroup rather than a second
// mutex; subsequent registrations under an already-initialized key skip it
// entirely. Returns r for chaining after NewKeyedRouter.
func (r *KeyedRouter[M]) WithLazyInit(initFn func(ctx context.Context, key string) error) *KeyedRouter[M] {
	r.initFn = initFn
	return r
}

func normalizeKey(key string) string {
	return strings.ToLower(key)
}

// RegisterCallback subscribes h under key. Registering the identical
// handler (by identity) twice under the same key is rejected with
// ErrInvalidState. The handle holds only a weak reference back to r.
func (r *KeyedRouter[M]) RegisterCallback(ctx context.Context, key string, h Handler[M]) (*ReleaseHandle, error) {
	if h == nil {
		return nil, invalidArgumentErr("handler must not be nil")
	}
	if key == "" {
		return nil, invalidArgumentErr("key must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelledErr(ctx)
	}
	nk := normalizeKey(key)

	slot, _ := r.slots.LoadOrStore(nk, &keyedSlot[M]{})
	if r.initFn != nil && !slot.initDone.IsSet() {
		if _, err, _ := r.lazyInit.Do(nk, func() (any, error) {
			if slot.initDone.IsSet() {
				return nil, nil
			}
			if err := r.initFn(ctx, nk); err != nil {
				return nil, err
			}
			slot.initDone.TrySet()
			return nil, nil
		}); err != nil {
			return nil, err
		}
	}

	id := r.nextID.Add(1)
	r.gate.Lock()
	defer r.gate.Unlock()

	old := slot.subs.Load()
	var oldSubs []subscription[M]
	if old != nil {
		oldSubs = *old
	}
	newIdentity := identityOf(h)
	for _, s := range oldSubs {
		if identityOf(s.handler) == newIdentity {
			return nil, invalidStateErr("handler already registered under key " + key)
		}
	}
	next := make([]subscription[M], len(oldSubs), len(oldSubs)+1)
	copy(next, oldSubs)
	next = append(next, subscription[M]{id: id, handler: h})
	slot.subs.Store(&next)

	wr := weak.Make(r)
	return newReleaseHandle(func() {
		if router := wr.Value(); router != nil {
			router.unregister(nk, id)
		}
	}), nil
}

func (r *KeyedRouter[M]) unregister(key string, id uint64) {
	r.gate.Lock()
	defer r.gate.Unlock()
	slot, ok := r.slots.Load(key)
	if !ok {
		return
	}
	old := slot.subs.Load()
	if old == nil {
		return
	}
	next := make([]subscription[M], 0, len(*old))
	for _, s := range *old {
		if s.id != id {
			next = append(next, s)
		}
	}
	slot.subs.Store(&next)
}

// PublishMessage dispatches msg to every handler registered under key.
// Publishing under a key with no subscribers yields a zero ReceiverCount,
// nil Err.
func (r *KeyedRouter[M]) PublishMessage(ctx context.Context, key string, msg M) PublishResult {
	slot, ok := r.slots.Load(normalizeKey(key))
	if !ok {
		return PublishResult{}
	}
	snapshot := slot.subs.Load()
	if snapshot == nil {
		return PublishResult{}
	}
	return dispatch(ctx, *snapshot, key, msg)
}
