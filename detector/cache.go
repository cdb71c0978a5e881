package detector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"ransomguard/ml"
)

var prefixVerdicts = []byte("v/")

// Cache persists verdicts keyed by bundle fingerprint and sample SHA-256, so
// a sample is only analysed once per model bundle.
type Cache struct {
	db *pebble.DB
}

type cacheEntry struct {
	Kind      string     `json:"kind"`
	Verdict   ml.Verdict `json:"verdict"`
	Dropped   []string   `json:"dropped,omitempty"`
	Defaulted int        `json:"defaulted"`
	Detail    string     `json:"detail,omitempty"`
}

// OpenCache opens or creates the verdict store at dir.
func OpenCache(dir string, blockCache int64) (*Cache, error) {
	if blockCache <= 0 {
		blockCache = 8 << 20
	}
	bc := pebble.NewCache(blockCache)
	defer bc.Unref()

	db, err := pebble.Open(dir, &pebble.Options{Cache: bc})
	if err != nil {
		return nil, fmt.Errorf("failed to open verdict cache %q: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func verdictKey(fingerprint, sha string) []byte {
	k := make([]byte, 0, len(prefixVerdicts)+len(fingerprint)+1+len(sha))
	k = append(k, prefixVerdicts...)
	k = append(k, fingerprint...)
	k = append(k, '/')
	return append(k, sha...)
}

func (c *Cache) get(fingerprint, sha string) (*cacheEntry, bool, error) {
	data, closer, err := c.db.Get(verdictKey(fingerprint, sha))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read verdict %s: %w", sha, err)
	}
	defer closer.Close()

	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal verdict %s: %w", sha, err)
	}
	return &e, true, nil
}

func (c *Cache) put(fingerprint, sha string, e *cacheEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal verdict %s: %w", sha, err)
	}
	return c.db.Set(verdictKey(fingerprint, sha), data, pebble.NoSync)
}

func (c *Cache) newIter() (*pebble.Iterator, error) {
	return c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixVerdicts,
		UpperBound: incrementLastByte(prefixVerdicts),
	})
}

// Len counts stored verdicts across all fingerprints.
func (c *Cache) Len() (int, error) {
	iter, err := c.newIter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Prune deletes verdicts recorded under any fingerprint other than keep and
// returns how many were removed.
func (c *Cache) Prune(keep string) (int, error) {
	iter, err := c.newIter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	live := verdictKey(keep, "")
	batch := c.db.NewBatch()
	defer batch.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if bytes.HasPrefix(iter.Key(), live) {
			continue
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return 0, err
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, batch.Commit(pebble.Sync)
}

func incrementLastByte(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
