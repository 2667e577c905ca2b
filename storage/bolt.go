package storage

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Bolt is a disk-backed Interface over a single bucket, used for the
// stores of any non-local node with a data directory, so a master's
// cluster membership survives its restart. A single bucket/db pair, with none of the
// arbitrary nested-bucket addressing a more general store would need.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
}

// NewBolt opens store over db, creating bucket if it does not exist.
func NewBolt(db *bolt.DB, bucket []byte) (*Bolt, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		return nil, errors.Wrapf(err, "storage: creating bucket %q", bucket)
	}
	return &Bolt{db: db, bucket: bucket}, nil
}

func (b *Bolt) View(f func(ReadOnlyTx) error) error { return DoView(b, f) }
func (b *Bolt) Update(f func(Tx) error) error       { return DoUpdate(b, f) }

func (b *Bolt) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), value)
	})
}

func (b *Bolt) Get(key string) (*KeyValue, error) {
	var kv *KeyValue
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v == nil {
			return ErrNoKeyExists
		}
		value := make([]byte, len(v))
		copy(value, v)
		kv = &KeyValue{Key: key, Value: value}
		return nil
	})
	return kv, err
}

func (b *Bolt) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
}

func (b *Bolt) Exists(key string) (bool, error) {
	exists := false
	err := b.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(b.bucket).Get([]byte(key)) != nil
		return nil
	})
	return exists, err
}

func (b *Bolt) List(prefix string) ([]*KeyValue, error) {
	var kvs []*KeyValue
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			kvs = append(kvs, &KeyValue{Key: string(k), Value: value})
		}
		return nil
	})
	return kvs, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, c := range prefix {
		if k[i] != c {
			return false
		}
	}
	return true
}

func (b *Bolt) BeginTx() (Tx, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, errors.Wrap(err, "storage: beginning bolt transaction")
	}
	return &boltTx{b: b, tx: tx}, nil
}

func (b *Bolt) BeginReadOnlyTx() (ReadOnlyTx, error) {
	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, errors.Wrap(err, "storage: beginning read-only bolt transaction")
	}
	return &boltTx{b: b, tx: tx}, nil
}

type boltTx struct {
	b  *Bolt
	tx *bolt.Tx
}

func (t *boltTx) Get(key string) (*KeyValue, error) {
	v := t.tx.Bucket(t.b.bucket).Get([]byte(key))
	if v == nil {
		return nil, ErrNoKeyExists
	}
	value := make([]byte, len(v))
	copy(value, v)
	return &KeyValue{Key: key, Value: value}, nil
}

func (t *boltTx) Exists(key string) (bool, error) {
	return t.tx.Bucket(t.b.bucket).Get([]byte(key)) != nil, nil
}

func (t *boltTx) List(prefix string) ([]*KeyValue, error) {
	var kvs []*KeyValue
	c := t.tx.Bucket(t.b.bucket).Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
		value := make([]byte, len(v))
		copy(value, v)
		kvs = append(kvs, &KeyValue{Key: string(k), Value: value})
	}
	return kvs, nil
}

func (t *boltTx) Put(key string, value []byte) error {
	return t.tx.Bucket(t.b.bucket).Put([]byte(key), value)
}

func (t *boltTx) Delete(key string) error {
	return t.tx.Bucket(t.b.bucket).Delete([]byte(key))
}

func (t *boltTx) Commit() error   { return t.tx.Commit() }
func (t *boltTx) Rollback() error { return t.tx.Rollback() }
