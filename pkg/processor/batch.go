package processor

import "github.com/itslive/stac-ingest/pkg/core"

// batch is the pending items of one collection keyed by id. A repeated id
// replaces the earlier item but every line still counts toward the batch size
// and toward the reported totals.
type batch struct {
	collection string
	items      map[string]*core.Item
	lines      map[string]int
	count      int
}

// weight is the number of decoded lines carried by id.
func (b *batch) weight(id string) int {
	if n := b.lines[id]; n > 0 {
		return n
	}
	return 1
}

// tally splits the lines of a committed batch into processed and skipped.
// Under insert_ignore only the first line of an id can be written; its
// repeats are skipped as they would be in separate batches.
func (b *batch) tally(res *core.SubmitResult, method core.Method) (processed, skipped int) {
	for _, id := range res.Accepted {
		n := b.weight(id)
		if method == core.MethodInsertIgnore {
			processed++
			skipped += n - 1
			continue
		}
		processed += n
	}
	for id := range res.Rejected {
		skipped += b.weight(id)
	}
	return processed, skipped
}

// batcher groups decoded items per collection in first-seen order.
type batcher struct {
	size    int
	order   []string
	pending map[string]*batch
}

func newBatcher(size int) *batcher {
	return &batcher{size: size, pending: make(map[string]*batch)}
}

// add buffers item and returns its collection's batch once it holds size lines.
func (b *batcher) add(item *core.Item) *batch {
	cur, ok := b.pending[item.Collection]
	if !ok {
		cur = &batch{
			collection: item.Collection,
			items:      make(map[string]*core.Item, b.size),
			lines:      make(map[string]int, b.size),
		}
		b.pending[item.Collection] = cur
		b.order = append(b.order, item.Collection)
	}
	cur.items[item.ID] = item
	cur.lines[item.ID]++
	cur.count++
	if cur.count < b.size {
		return nil
	}

	delete(b.pending, item.Collection)
	for i, c := range b.order {
		if c == item.Collection {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return cur
}

// drain returns the remaining non-empty batches and resets the batcher.
func (b *batcher) drain() []*batch {
	out := make([]*batch, 0, len(b.order))
	for _, c := range b.order {
		if cur := b.pending[c]; len(cur.items) > 0 {
			out = append(out, cur)
		}
	}
	b.order = nil
	b.pending = make(map[string]*batch)
	return out
}
