package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out short exclusive leases keyed by name.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// LocalLocker serializes holders inside one process. A key is forgotten
// once nobody holds or waits for it.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*localSlot
}

type localSlot struct {
	ch   chan struct{}
	refs int // holder plus waiters
}

func NewLocalLocker() *LocalLocker { return &LocalLocker{slots: make(map[string]*localSlot)} }

func (l *LocalLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *LocalLocker) release(key string, s *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len is the number of keys currently held or waited on.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ErrLockTimeout means the lease could not be acquired before ctx expired.
var ErrLockTimeout = errors.New("calendar: lock timeout")

// RedisLocker leases keys with SET NX PX so several engine instances
// sharing one calendar still serialize writes to the same day.
type RedisLocker struct {
	RDB    *redis.Client
	Prefix string
	Poll   time.Duration
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{RDB: rdb, Prefix: "bookline:cal:", Poll: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := l.Prefix + key
	token := uuid.NewString()
	t := time.NewTicker(l.Poll)
	defer t.Stop()
	for {
		ok, err := l.RDB.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("calendar lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// release with a fresh context; the caller's may already be done
					rctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = releaseScript.Run(rctx, l.RDB, []string{k}, token).Err()
				})
			}, nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ErrLockTimeout
		}
	}
}

// Locked wraps a calendar so that check-then-write on a given day runs
// under a lease. It also re-checks for overlaps itself, which makes
// calendars with weak write guarantees safe.
type Locked struct {
	Calendar
	Locker Locker
	TTL    time.Duration
}

func NewLocked(c Calendar, l Locker) *Locked {
	return &Locked{Calendar: c, Locker: l, TTL: 10 * time.Second}
}

// dayKeys names every UTC day the slot touches, in order. Two overlapping
// slots always share at least one key.
func dayKeys(slot Slot) []string {
	first := slot.Start.UTC()
	last := slot.End.UTC()
	if last.After(first) {
		last = last.Add(-time.Nanosecond)
	}
	d := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC)
	var keys []string
	for !d.After(last) {
		keys = append(keys, d.Format("2006-01-02"))
		d = d.AddDate(0, 0, 1)
	}
	return keys
}

// lock leases every day of slot, always in ascending order.
func (c *Locked) lock(ctx context.Context, slot Slot) (func(), error) {
	start := time.Now()
	defer func() { metricLockWaitMS.Observe(float64(time.Since(start).Milliseconds())) }()
	var held []func()
	unlockAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, k := range dayKeys(slot) {
		unlock, err := c.Locker.Lock(ctx, k, c.TTL)
		if err != nil {
			unlockAll()
			return nil, err
		}
		held = append(held, unlock)
	}
	return unlockAll, nil
}

func (c *Locked) free(ctx context.Context, skip string, slot Slot) error {
	evs, err := c.Calendar.ListEvents(ctx, slot.Start, slot.End)
	if err != nil {
		return err
	}
	for _, e := range evs {
		if e.ID != skip && e.Slot.Overlaps(slot) {
			return ErrSlotTaken
		}
	}
	return nil
}

func (c *Locked) CreateEvent(ctx context.Context, slot Slot, meta Meta) (Event, error) {
	unlock, err := c.lock(ctx, slot)
	if err != nil {
		return Event{}, err
	}
	defer unlock()
	if err := c.free(ctx, "", slot); err != nil {
		return Event{}, err
	}
	return c.Calendar.CreateEvent(ctx, slot, meta)
}

func (c *Locked) UpdateEvent(ctx context.Context, id string, slot Slot) (Event, error) {
	unlock, err := c.lock(ctx, slot)
	if err != nil {
		return Event{}, err
	}
	defer unlock()
	if err := c.free(ctx, id, slot); err != nil {
		return Event{}, err
	}
	return c.Calendar.UpdateEvent(ctx, id, slot)
}
