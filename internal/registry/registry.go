package registry

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/kal997/block-notification-server/internal/models"
)

// DefaultShardCount is used when New is given a non-positive count
const DefaultShardCount = 64

// Registry tracks which subscribers want which operations on which blocks.
//
// Block buckets are spread over independently locked shards so subscription
// churn on unrelated blocks never contends on one lock. A reverse index
// (subscriber -> blocks) makes Purge proportional to the subscriber's own
// subscriptions. Lock order is always block shard first, then index shard.
type Registry struct {
	blocks []*blockShard
	index  []*indexShard
	mask   uint32
}

type blockShard struct {
	mu      sync.RWMutex
	buckets map[models.BlockID]map[models.SubscriberID]models.OpSet
}

type indexShard struct {
	mu   sync.Mutex
	subs map[models.SubscriberID]map[models.BlockID]struct{}
}

// Stats is a point-in-time summary of the registry
type Stats struct {
	Blocks        int `json:"blocks"`
	Subscriptions int `json:"subscriptions"`
	Subscribers   int `json:"subscribers"`
}

// New creates a registry with shardCount shards. The count must be a power
// of two.
func New(shardCount int) (*Registry, error) {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	if shardCount&(shardCount-1) != 0 {
		return nil, fmt.Errorf("shard count must be a power of two, got %d", shardCount)
	}

	r := &Registry{
		blocks: make([]*blockShard, shardCount),
		index:  make([]*indexShard, shardCount),
		mask:   uint32(shardCount - 1),
	}
	for i := 0; i < shardCount; i++ {
		r.blocks[i] = &blockShard{buckets: make(map[models.BlockID]map[models.SubscriberID]models.OpSet)}
		r.index[i] = &indexShard{subs: make(map[models.SubscriberID]map[models.BlockID]struct{})}
	}
	return r, nil
}

// ShardOf returns the shard index owning block. The notifier uses it to
// stripe ingestion the same way.
func (r *Registry) ShardOf(block models.BlockID) int {
	return int(uint32(block) & r.mask)
}

// ShardCount returns the number of shards
func (r *Registry) ShardCount() int {
	return len(r.blocks)
}

func (r *Registry) blockShard(block models.BlockID) *blockShard {
	return r.blocks[r.ShardOf(block)]
}

func (r *Registry) indexShard(sub models.SubscriberID) *indexShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sub))
	return r.index[h.Sum32()&r.mask]
}

// Subscribe merges ops into the subscription for (block, sub), creating it
// if needed. An empty ops set is a no-op.
func (r *Registry) Subscribe(block models.BlockID, sub models.SubscriberID, ops models.OpSet) {
	if len(ops) == 0 {
		return
	}

	bs := r.blockShard(block)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bucket, ok := bs.buckets[block]
	if !ok {
		bucket = make(map[models.SubscriberID]models.OpSet)
		bs.buckets[block] = bucket
	}

	current, ok := bucket[sub]
	if !ok {
		bucket[sub] = ops.Clone()
		r.indexAdd(sub, block)
		return
	}
	current.Union(ops)
}

// Unsubscribe removes ops from the subscription for (block, sub). The
// subscription is deleted once no operation is left. Unknown subscriptions
// are ignored.
func (r *Registry) Unsubscribe(block models.BlockID, sub models.SubscriberID, ops models.OpSet) {
	if len(ops) == 0 {
		return
	}

	bs := r.blockShard(block)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bucket, ok := bs.buckets[block]
	if !ok {
		return
	}
	current, ok := bucket[sub]
	if !ok {
		return
	}

	current.Difference(ops)
	if len(current) > 0 {
		return
	}

	delete(bucket, sub)
	if len(bucket) == 0 {
		delete(bs.buckets, block)
	}
	r.indexRemove(sub, block)
}

// Purge removes every subscription held by sub and returns how many were
// removed.
func (r *Registry) Purge(sub models.SubscriberID) int {
	is := r.indexShard(sub)
	is.mu.Lock()
	blocks := is.subs[sub]
	delete(is.subs, sub)
	is.mu.Unlock()

	removed := 0
	for block := range blocks {
		bs := r.blockShard(block)
		bs.mu.Lock()
		if bucket, ok := bs.buckets[block]; ok {
			if _, ok := bucket[sub]; ok {
				delete(bucket, sub)
				removed++
			}
			if len(bucket) == 0 {
				delete(bs.buckets, block)
			}
		}
		bs.mu.Unlock()
	}
	return removed
}

// SubscribersFor returns the subscribers of block whose subscription covers
// op. The result is a snapshot taken under the block's shard lock.
func (r *Registry) SubscribersFor(block models.BlockID, op models.Operation) []models.SubscriberID {
	bs := r.blockShard(block)
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	bucket := bs.buckets[block]
	out := make([]models.SubscriberID, 0, len(bucket))
	for sub, ops := range bucket {
		if ops.Contains(op) {
			out = append(out, sub)
		}
	}
	return out
}

// Ops returns a copy of the operations sub holds on block
func (r *Registry) Ops(block models.BlockID, sub models.SubscriberID) models.OpSet {
	bs := r.blockShard(block)
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	if ops, ok := bs.buckets[block][sub]; ok {
		return ops.Clone()
	}
	return models.OpSet{}
}

// Subscriptions returns a copy of every subscription held by sub, keyed by
// block.
func (r *Registry) Subscriptions(sub models.SubscriberID) map[models.BlockID]models.OpSet {
	is := r.indexShard(sub)
	is.mu.Lock()
	blocks := make([]models.BlockID, 0, len(is.subs[sub]))
	for block := range is.subs[sub] {
		blocks = append(blocks, block)
	}
	is.mu.Unlock()

	out := make(map[models.BlockID]models.OpSet, len(blocks))
	for _, block := range blocks {
		if ops := r.Ops(block, sub); len(ops) > 0 {
			out[block] = ops
		}
	}
	return out
}

// Stats walks every shard. Shards are locked one at a time so the totals are
// not a single atomic snapshot.
func (r *Registry) Stats() Stats {
	var st Stats
	for _, bs := range r.blocks {
		bs.mu.RLock()
		st.Blocks += len(bs.buckets)
		for _, bucket := range bs.buckets {
			st.Subscriptions += len(bucket)
		}
		bs.mu.RUnlock()
	}
	for _, is := range r.index {
		is.mu.Lock()
		st.Subscribers += len(is.subs)
		is.mu.Unlock()
	}
	return st
}

// indexAdd must be called with the block's shard lock held
func (r *Registry) indexAdd(sub models.SubscriberID, block models.BlockID) {
	is := r.indexShard(sub)
	is.mu.Lock()
	defer is.mu.Unlock()

	blocks, ok := is.subs[sub]
	if !ok {
		blocks = make(map[models.BlockID]struct{})
		is.subs[sub] = blocks
	}
	blocks[block] = struct{}{}
}

// indexRemove must be called with the block's shard lock held
func (r *Registry) indexRemove(sub models.SubscriberID, block models.BlockID) {
	is := r.indexShard(sub)
	is.mu.Lock()
	defer is.mu.Unlock()

	blocks, ok := is.subs[sub]
	if !ok {
		return
	}
	delete(blocks, block)
	if len(blocks) == 0 {
		delete(is.subs, sub)
	}
}
