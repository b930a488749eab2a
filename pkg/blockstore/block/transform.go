package block

import "github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"

// Transforms is the aggregate mutation set over a group of blocks:
// which blocks to insert whole, which to splice via ordered operations,
// and which to delete outright.
type Transforms struct {
	Inserts map[string]*Block      `json:"inserts,omitempty"`
	Updates map[string][]Operation `json:"updates,omitempty"`
	Deletes map[string]struct{}    `json:"-"`
}

// EmptyTransforms returns a Transforms with no staged work.
func EmptyTransforms() Transforms {
	return Transforms{
		Inserts: make(map[string]*Block),
		Updates: make(map[string][]Operation),
		Deletes: make(map[string]struct{}),
	}
}

// BlockIdsForTransforms returns the union of the insert, update, and
// delete domains.
func BlockIdsForTransforms(t Transforms) []string {
	seen := make(map[string]struct{}, len(t.Inserts)+len(t.Updates)+len(t.Deletes))
	for id := range t.Inserts {
		seen[id] = struct{}{}
	}
	for id := range t.Updates {
		seen[id] = struct{}{}
	}
	for id := range t.Deletes {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// Transform is the single-block projection of a Transforms: at most one
// insert, an ordered list of update operations, and a delete flag.
type Transform struct {
	Insert  *Block      `json:"insert,omitempty"`
	Updates []Operation `json:"updates,omitempty"`
	Delete  bool        `json:"delete,omitempty"`
}

// TransformForBlockId projects t down to the single block bid.
func TransformForBlockId(t Transforms, bid string) Transform {
	var out Transform
	if ins, ok := t.Inserts[bid]; ok {
		out.Insert = ins
	}
	if ups, ok := t.Updates[bid]; ok {
		out.Updates = append([]Operation(nil), ups...)
	}
	if _, ok := t.Deletes[bid]; ok {
		out.Delete = true
	}
	return out
}

// TransformsFromTransform lifts a single-block Transform back into a
// Transforms keyed by bid — the inverse of TransformForBlockId.
func TransformsFromTransform(t Transform, bid string) Transforms {
	out := EmptyTransforms()
	if t.Insert != nil {
		out.Inserts[bid] = t.Insert
	}
	if len(t.Updates) > 0 {
		out.Updates[bid] = append([]Operation(nil), t.Updates...)
	}
	if t.Delete {
		out.Deletes[bid] = struct{}{}
	}
	return out
}

// ApplyTransform applies insert, then updates, then delete (in that
// order) to b. b may be nil, meaning the block does not yet exist. The
// second return is false if the result is absent (deleted, or never
// inserted and never existed).
func ApplyTransform(b *Block, t Transform) (*Block, bool, error) {
	cur := b
	if t.Insert != nil {
		cur = t.Insert.Clone()
	}
	for _, op := range t.Updates {
		if cur == nil {
			return nil, false, bserr.ErrInvalidOperation
		}
		if err := ApplyOperation(cur, op); err != nil {
			return nil, false, err
		}
	}
	if t.Delete {
		return nil, false, nil
	}
	if cur == nil {
		return nil, false, nil
	}
	return cur, true, nil
}

// MergeTransforms composes t then u, per-field union with u winning on
// conflicting inserts/updates (updates concatenate in order) and a later
// delete taking effect regardless of earlier inserts/updates for that
// block — matching the insert → update → delete per-block ordering.
func MergeTransforms(t, u Transforms) Transforms {
	out := EmptyTransforms()
	for id, blk := range t.Inserts {
		out.Inserts[id] = blk
	}
	for id, ops := range t.Updates {
		out.Updates[id] = append([]Operation(nil), ops...)
	}
	for id := range t.Deletes {
		out.Deletes[id] = struct{}{}
	}

	for id, blk := range u.Inserts {
		out.Inserts[id] = blk
		delete(out.Deletes, id)
	}
	for id, ops := range u.Updates {
		out.Updates[id] = append(out.Updates[id], ops...)
		delete(out.Deletes, id)
	}
	for id := range u.Deletes {
		out.Deletes[id] = struct{}{}
	}
	return out
}
