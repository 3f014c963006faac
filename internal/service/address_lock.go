package service

import (
	"context"
	"sync"
	"time"

	"faucet-service/internal/repository"
)

// AddressLocker grants one in-flight request per address. Acquire never
// blocks; a busy address yields repository.ErrLeaseHeld.
type AddressLocker interface {
	AcquireAddressLease(ctx context.Context, address string, ttl time.Duration) (release func(), err error)
}

// LocalAddressLocker is the single-process AddressLocker used when Redis is not configured.
type LocalAddressLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalAddressLocker() *LocalAddressLocker {
	return &LocalAddressLocker{held: make(map[string]struct{})}
}

func (l *LocalAddressLocker) AcquireAddressLease(_ context.Context, address string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[address]; busy {
		return nil, repository.ErrLeaseHeld
	}
	l.held[address] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, address)
			l.mu.Unlock()
		})
	}, nil
}
