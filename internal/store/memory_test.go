package store

import (
	"sync/atomic"
	"testing"

	"github.com/punchamoorthee/wavesops/internal/domain"
)

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	var ids int64
	runStoreSuite(t, m, func(t *testing.T, username string, role domain.Role) domain.User {
		u := domain.User{ID: atomic.AddInt64(&ids, 1), Username: username, Role: role}
		m.PutUser(u)
		return u
	})
}
