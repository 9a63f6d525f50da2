package ident

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Kind selects an identifier namespace. Its value is the textual prefix.
type Kind string

const (
	KindTask   Kind = "T-"
	KindWorker Kind = "W-"
)

const (
	hexDigits  = 16
	groupSize  = 4
	groupCount = hexDigits / groupSize
)

var ErrMalformed = errors.New("malformed identifier")

// Format renders n as "<prefix>xxxx_xxxx_xxxx_xxxx".
func Format(kind Kind, n uint64) string {
	hex := fmt.Sprintf("%0*x", hexDigits, n)
	var b strings.Builder
	b.Grow(len(kind) + hexDigits + groupCount - 1)
	b.WriteString(string(kind))
	for i := 0; i < hexDigits; i += groupSize {
		if i > 0 {
			b.WriteByte('_')
		}
		b.WriteString(hex[i : i+groupSize])
	}
	return b.String()
}

// Parse is the strict inverse of Format.
func Parse(kind Kind, s string) (uint64, error) {
	body, ok := strings.CutPrefix(s, string(kind))
	if !ok {
		return 0, errors.Wrapf(ErrMalformed, "%q: missing prefix %q", s, kind)
	}
	groups := strings.Split(body, "_")
	if len(groups) != groupCount {
		return 0, errors.Wrapf(ErrMalformed, "%q: expected %d groups", s, groupCount)
	}
	for _, g := range groups {
		if len(g) != groupSize || !isLowerHex(g) {
			return 0, errors.Wrapf(ErrMalformed, "%q: bad group %q", s, g)
		}
	}
	n, err := strconv.ParseUint(strings.Join(groups, ""), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "%q: %v", s, err)
	}
	return n, nil
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Allocator hands out sequential counters per kind.
type Allocator interface {
	// Next returns the next unused counter value.
	Next(ctx context.Context, kind Kind) (uint64, error)
	// Observe raises the high-water mark so later Next calls return values > n.
	Observe(ctx context.Context, kind Kind, n uint64) error
}

// MemoryAllocator keeps counters in process memory.
type MemoryAllocator struct {
	mu   sync.Mutex
	next map[Kind]uint64
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{next: make(map[Kind]uint64)}
}

func (a *MemoryAllocator) Next(_ context.Context, kind Kind) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.next[kind]
	a.next[kind] = n + 1
	return n, nil
}

func (a *MemoryAllocator) Observe(_ context.Context, kind Kind, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n+1 > a.next[kind] {
		a.next[kind] = n + 1
	}
	return nil
}
