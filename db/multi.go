package db

import (
	"context"

	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/vnode"
)

// MGet issues one GET per key, backing the MGET verb. Results are returned
// in the same order as keys; a per-key error does not short-circuit the
// rest.
func (d *Database) MGet(ctx context.Context, keys [][]byte) ([]vnode.Container, []error) {
	containers := make([]vnode.Container, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		containers[i], errs[i] = d.Get(ctx, key)
	}
	return containers, errs
}

// KVContext is one key/value/causal-context triple, the unit MSET and MDEL
// operate on.
type KVContext struct {
	Key     []byte
	Value   []byte
	Context causal.VersionVector
}

// MSet issues one SET per triple, backing the MSET verb.
func (d *Database) MSet(ctx context.Context, items []KVContext) ([]vnode.Container, []error) {
	containers := make([]vnode.Container, len(items))
	errs := make([]error, len(items))
	for i, item := range items {
		containers[i], errs[i] = d.Set(ctx, item.Key, item.Value, true, item.Context)
	}
	return containers, errs
}

// MDel issues one DEL per pair, backing the MDEL verb.
func (d *Database) MDel(ctx context.Context, items []KVContext) ([]vnode.Container, []error) {
	containers := make([]vnode.Container, len(items))
	errs := make([]error, len(items))
	for i, item := range items {
		containers[i], errs[i] = d.Del(ctx, item.Key, item.Context)
	}
	return containers, errs
}
