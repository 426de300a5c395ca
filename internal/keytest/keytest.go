// Package keytest shares RSA key pairs between tests. Generating 2048-bit
// keys dominates test time, so handles are created once per process and
// handed out in a fixed order.
package keytest

import (
	"sync"
	"testing"

	"github.com/medrex/dlt-keyx/pkg/encryption"
)

var (
	mu   sync.Mutex
	pool []*encryption.PrivateHandle
)

func handleAt(i int) (*encryption.PrivateHandle, error) {
	mu.Lock()
	defer mu.Unlock()
	for len(pool) <= i {
		h, err := encryption.GenerateHandle()
		if err != nil {
			return nil, err
		}
		pool = append(pool, h)
	}
	return pool[i], nil
}

// Handle returns the i-th pooled handle
func Handle(t testing.TB, i int) *encryption.PrivateHandle {
	t.Helper()
	h, err := handleAt(i)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return h
}

// Generator returns a key generator that yields distinct pooled handles,
// starting from offset
func Generator(offset int) func() (*encryption.PrivateHandle, error) {
	var (
		gmu  sync.Mutex
		next = offset
	)
	return func() (*encryption.PrivateHandle, error) {
		gmu.Lock()
		i := next
		next++
		gmu.Unlock()
		return handleAt(i)
	}
}
