package runlog

// compactOperations keeps the first occurrence of every operation identity
// and preserves relative order. Appends are at-least-once, so a retried batch
// may land the same operation twice; only the first copy takes effect.
func compactOperations(ops []Operation) ([]Operation, int) {
	if len(ops) == 0 {
		return ops, 0
	}
	seen := make(map[operationKey]struct{}, len(ops))
	kept := ops[:0:0]
	for _, op := range ops {
		k := op.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, op)
	}
	return kept, len(ops) - len(kept)
}
