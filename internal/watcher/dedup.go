package watcher

// dedupSet tracks load IDs that have already been delivered.
//
// It grows for the life of the process and is never pruned; a restart resets
// it, which may re-notify loads still on the board. That trade-off is
// intentional (no cross-restart delivery state).
//
// Not safe for concurrent use: the poll loop is the only reader and writer.
type dedupSet struct {
	seen map[string]struct{}
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[string]struct{})}
}

func (d *dedupSet) IsNew(id string) bool {
	_, ok := d.seen[id]
	return !ok
}

func (d *dedupSet) MarkDelivered(id string) {
	d.seen[id] = struct{}{}
}

func (d *dedupSet) Len() int { return len(d.seen) }
