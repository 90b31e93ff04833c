package streamsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/maps"
)

var ErrBadDecimal = errors.New("not a non-negative decimal integer")

// bump when the persisted layout changes; old buckets are simply ignored
const cursorStoreVersion = 1

type CursorStoreSettings struct {
	// bucket namespace so multiple feeds can share one store file
	Namespace string
	// capacity bound per map. Entries beyond it are evicted oldest by
	// recency of update, skipping protected keys.
	MaxEntriesPerMap int
	OpenTimeout      time.Duration
}

func DefaultCursorStoreSettings() *CursorStoreSettings {
	return &CursorStoreSettings{
		Namespace:        "streamsync",
		MaxEntriesPerMap: 4 * 1024,
		OpenTimeout:      1 * time.Second,
	}
}

type cursorEntry struct {
	Value      string    `json:"value"`
	UpdateTime time.Time `json:"updateTime"`
	Protected  bool      `json:"protected,omitempty"`
}

// A CursorStore persists per-partition offsets and per-stream sequence
// numbers across sessions. Offsets and sequences are arbitrary-precision
// non-negative integers carried as decimal strings. Commits keep the maximum
// value per key, so persisted positions never decrease; a commit below the
// stored value reports a regression, which the session treats as an upstream
// data-loss signal.
type CursorStore struct {
	db       *bolt.DB
	settings *CursorStoreSettings

	stateLock sync.Mutex
	offsets   map[string]*cursorEntry
	sequences map[string]*cursorEntry
}

// NewCursorStore opens (or creates) the store at `path` and loads any
// persisted entries. An empty path keeps the store in memory only.
func NewCursorStore(path string, settings *CursorStoreSettings) (*CursorStore, error) {
	if settings == nil {
		settings = DefaultCursorStoreSettings()
	}
	store := &CursorStore{
		settings:  settings,
		offsets:   map[string]*cursorEntry{},
		sequences: map[string]*cursorEntry{},
	}
	if path != "" {
		db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: settings.OpenTimeout})
		if err != nil {
			return nil, err
		}
		store.db = db
		if err := store.load(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

func (self *CursorStore) offsetsBucket() []byte {
	return []byte(fmt.Sprintf("%s.v%d.offsets", self.settings.Namespace, cursorStoreVersion))
}

func (self *CursorStore) sequencesBucket() []byte {
	return []byte(fmt.Sprintf("%s.v%d.sequences", self.settings.Namespace, cursorStoreVersion))
}

func (self *CursorStore) load() error {
	return self.db.View(func(tx *bolt.Tx) error {
		loadBucket := func(name []byte, into map[string]*cursorEntry) error {
			bucket := tx.Bucket(name)
			if bucket == nil {
				return nil
			}
			return bucket.ForEach(func(k []byte, v []byte) error {
				entry := &cursorEntry{}
				if err := json.Unmarshal(v, entry); err != nil {
					// skip unreadable entries rather than fail the open
					glog.Infof("[c]skip bad entry %s = %s\n", k, err)
					return nil
				}
				into[string(k)] = entry
				return nil
			})
		}
		if err := loadBucket(self.offsetsBucket(), self.offsets); err != nil {
			return err
		}
		return loadBucket(self.sequencesBucket(), self.sequences)
	})
}

// CommitOffset records `offset` for `partition`, keeping the maximum.
// regressed reports that the commit was below the stored position.
func (self *CursorStore) CommitOffset(partition string, offset string) (regressed bool, err error) {
	return self.commit(self.offsets, self.offsetsBucket(), partition, offset)
}

// CommitSequence records `sequence` for `streamId`, keeping the maximum.
func (self *CursorStore) CommitSequence(streamId string, sequence string) (regressed bool, err error) {
	return self.commit(self.sequences, self.sequencesBucket(), streamId, sequence)
}

func (self *CursorStore) commit(entries map[string]*cursorEntry, bucket []byte, key string, value string) (bool, error) {
	if err := validateDecimal(value); err != nil {
		return false, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := entries[key]
	if ok {
		cmp, err := compareDecimal(value, entry.Value)
		if err != nil {
			return false, err
		}
		if cmp < 0 {
			// never persist a decrease
			entry.UpdateTime = time.Now()
			return true, self.persist(bucket, key, entry)
		}
		entry.Value = value
		entry.UpdateTime = time.Now()
		return false, self.persist(bucket, key, entry)
	}

	entries[key] = &cursorEntry{
		Value:      value,
		UpdateTime: time.Now(),
	}
	self.evict(entries, bucket)
	return false, self.persist(bucket, key, entries[key])
}

// Protect exempts a partition key from eviction.
func (self *CursorStore) Protect(partition string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.offsets[partition]
	if !ok {
		entry = &cursorEntry{Value: "0", UpdateTime: time.Now()}
		self.offsets[partition] = entry
	}
	entry.Protected = true
	if err := self.persist(self.offsetsBucket(), partition, entry); err != nil {
		glog.Infof("[c]protect persist error = %s\n", err)
	}
}

// evict drops oldest-by-recency-of-update entries over the capacity bound,
// skipping protected keys. Caller holds stateLock.
func (self *CursorStore) evict(entries map[string]*cursorEntry, bucket []byte) {
	for self.settings.MaxEntriesPerMap < len(entries) {
		oldestKey := ""
		var oldestTime time.Time
		for key, entry := range entries {
			if entry.Protected {
				continue
			}
			if oldestKey == "" || entry.UpdateTime.Before(oldestTime) {
				oldestKey = key
				oldestTime = entry.UpdateTime
			}
		}
		if oldestKey == "" {
			// every entry is protected
			return
		}
		delete(entries, oldestKey)
		if self.db != nil {
			err := self.db.Update(func(tx *bolt.Tx) error {
				b := tx.Bucket(bucket)
				if b == nil {
					return nil
				}
				return b.Delete([]byte(oldestKey))
			})
			if err != nil {
				glog.Infof("[c]evict persist error = %s\n", err)
			}
		}
	}
}

func (self *CursorStore) persist(bucket []byte, key string, entry *cursorEntry) error {
	if self.db == nil {
		return nil
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		v, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), v)
	})
}

// Offset returns the committed offset for a partition.
func (self *CursorStore) Offset(partition string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.offsets[partition]
	if !ok {
		return "", false
	}
	return entry.Value, true
}

// Sequence returns the committed max sequence for a stream.
func (self *CursorStore) Sequence(streamId string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.sequences[streamId]
	if !ok {
		return "", false
	}
	return entry.Value, true
}

// Offsets returns a copy of the partition offset map.
func (self *CursorStore) Offsets() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return flattenEntries(self.offsets)
}

// Sequences returns a copy of the stream sequence map.
func (self *CursorStore) Sequences() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return flattenEntries(self.sequences)
}

func flattenEntries(entries map[string]*cursorEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, key := range maps.Keys(entries) {
		out[key] = entries[key].Value
	}
	return out
}

// HasAny reports whether any cursor or sequence history exists. A fresh
// store resumes "latest" instead of replaying.
func (self *CursorStore) HasAny() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.offsets) || 0 < len(self.sequences)
}

// Reset clears everything and replaces the offsets with the server-provided
// latest positions. This is the full-state amnesia recovery path.
func (self *CursorStore) Reset(latestOffsets map[string]string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.offsets = map[string]*cursorEntry{}
	self.sequences = map[string]*cursorEntry{}
	for partition, offset := range latestOffsets {
		if err := validateDecimal(offset); err != nil {
			glog.Infof("[c]reset skip %s = %s\n", partition, err)
			continue
		}
		self.offsets[partition] = &cursorEntry{
			Value:      offset,
			UpdateTime: time.Now(),
		}
	}

	if self.db == nil {
		return nil
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{self.offsetsBucket(), self.sequencesBucket()} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}
		bucket, err := tx.CreateBucketIfNotExists(self.offsetsBucket())
		if err != nil {
			return err
		}
		for partition, entry := range self.offsets {
			v, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(partition), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *CursorStore) Close() error {
	if self.db == nil {
		return nil
	}
	return self.db.Close()
}

func validateDecimal(value string) error {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 {
		return fmt.Errorf("%w: %q", ErrBadDecimal, value)
	}
	return nil
}

// compareDecimal compares two decimal strings with arbitrary precision.
func compareDecimal(a string, b string) (int, error) {
	an, ok := new(big.Int).SetString(a, 10)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadDecimal, a)
	}
	bn, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadDecimal, b)
	}
	return an.Cmp(bn), nil
}
