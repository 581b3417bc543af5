package riscvlike

import (
	"crypto/sha256"
	"net/http"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

// objectCache is the in-memory object store behind lookup/pass decisions.
// Keys fold the request host and URL with any hash_data contributions the
// guest applied. Entries expire by TTL and die retroactively to bans.
type objectCache struct {
	mu      sync.RWMutex
	entries map[[sha256.Size]byte]*cacheObject
}

type cacheObject struct {
	status   int
	header   http.Header
	body     []byte
	inserted time.Time
	expires  time.Time
}

func newObjectCache() *objectCache {
	return &objectCache{entries: make(map[[sha256.Size]byte]*cacheObject)}
}

// objectKey folds the default hash inputs with the guest's contribution.
func objectKey(host, uri string, contribution []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(uri))
	if len(contribution) > 0 {
		h.Write([]byte{0})
		h.Write(contribution)
	}
	var key [sha256.Size]byte
	h.Sum(key[:0])
	return key
}

// Lookup returns a live entry, applying the ban list: an entry older than
// a matching ban is evicted on sight.
func (c *objectCache) Lookup(key [sha256.Size]byte, uri string, bans *BanList) *cacheObject {
	c.mu.RLock()
	obj := c.entries[key]
	c.mu.RUnlock()
	if obj == nil {
		return nil
	}
	if time.Now().After(obj.expires) || (bans != nil && bans.Banned(uri, obj.inserted)) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil
	}
	return obj
}

// Insert stores a response body under the key with the given TTL.
func (c *objectCache) Insert(key [sha256.Size]byte, status int, header http.Header, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	obj := &cacheObject{
		status:   status,
		header:   header.Clone(),
		body:     body,
		inserted: now,
		expires:  now.Add(ttl),
	}
	c.mu.Lock()
	c.entries[key] = obj
	c.mu.Unlock()
}

// BanList is the shared ban register fed by the ban hypercall. Expressions
// are patterns matched against the request URI; a ban invalidates every
// cached object inserted before it that matches.
type BanList struct {
	mu   sync.RWMutex
	bans []ban
}

type ban struct {
	expr   string
	re     *regexp2.Regexp
	issued time.Time
}

// NewBanList returns an empty ban register.
func NewBanList() *BanList {
	return &BanList{}
}

// Add compiles and registers a ban expression.
func (b *BanList) Add(expr string) error {
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.bans = append(b.bans, ban{expr: expr, re: re, issued: time.Now()})
	b.mu.Unlock()
	return nil
}

// Banned reports whether an object inserted at the given time is dead to a
// later ban matching uri.
func (b *BanList) Banned(uri string, inserted time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.bans {
		bn := &b.bans[i]
		if bn.issued.Before(inserted) {
			continue
		}
		if ok, _ := bn.re.MatchString(uri); ok {
			return true
		}
	}
	return false
}

// Len returns the number of registered bans.
func (b *BanList) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bans)
}
