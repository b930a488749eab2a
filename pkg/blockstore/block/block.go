// Package block defines the Block record and the pure operation/transform
// functions that mutate it. Nothing here touches storage, the network, or
// concurrency — every function is a deterministic transformation of values.
package block

import (
	"fmt"
	"reflect"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"
)

// Header identifies a block. Id and CollectionId are immutable for the
// lifetime of the block; Type selects which action handlers apply to it.
type Header struct {
	Id           string `json:"id"`
	Type         string `json:"type"`
	CollectionId string `json:"collectionId"`
}

// Block is a header plus arbitrary typed attributes. Attributes is keyed
// by attribute name; values are whatever the collection's handlers put
// there (slices for sequence attributes, anything else for scalars).
type Block struct {
	Header     Header                 `json:"header"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Clone returns a deep copy safe to hand to a caller that may mutate it.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	attrs := make(map[string]interface{}, len(b.Attributes))
	for k, v := range b.Attributes {
		attrs[k] = deepCopyValue(v)
	}
	return &Block{Header: b.Header, Attributes: attrs}
}

// Operation is a splice tuple targeting one attribute of a block.
//
// If Inserted is a sequence (a slice), it replaces DeleteCount elements
// starting at Index with Inserted (an array splice). Otherwise Inserted
// is assigned directly to the attribute and Index/DeleteCount are
// ignored.
type Operation struct {
	Entity      string      `json:"entity"`
	Index       int         `json:"index"`
	DeleteCount int         `json:"deleteCount"`
	Inserted    interface{} `json:"inserted"`
}

// ApplyOperation mutates block in place per op. The inserted value is
// deep-copied so the caller's reference can't alias into block state.
func ApplyOperation(b *Block, op Operation) error {
	if b.Attributes == nil {
		b.Attributes = make(map[string]interface{})
	}

	existing, hadExisting := b.Attributes[op.Entity]
	insertedCopy := deepCopyValue(op.Inserted)

	insertedSlice, insertedIsSlice := toSlice(insertedCopy)
	if insertedIsSlice {
		var base []interface{}
		if hadExisting {
			existingSlice, existingIsSlice := toSlice(existing)
			if !existingIsSlice {
				return fmt.Errorf("splice on %q: %w", op.Entity, bserr.ErrInvalidOperation)
			}
			base = existingSlice
		}
		if op.Index < 0 || op.Index > len(base) {
			return fmt.Errorf("splice index %d out of range for %q: %w", op.Index, op.Entity, bserr.ErrInvalidOperation)
		}
		end := op.Index + op.DeleteCount
		if end > len(base) {
			return fmt.Errorf("delete count %d out of range for %q: %w", op.DeleteCount, op.Entity, bserr.ErrInvalidOperation)
		}
		spliced := make([]interface{}, 0, len(base)-op.DeleteCount+len(insertedSlice))
		spliced = append(spliced, base[:op.Index]...)
		spliced = append(spliced, insertedSlice...)
		spliced = append(spliced, base[end:]...)
		b.Attributes[op.Entity] = spliced
		return nil
	}

	b.Attributes[op.Entity] = insertedCopy
	return nil
}

// WithOperation returns a new block with op applied, leaving b untouched.
func WithOperation(b *Block, op Operation) (*Block, error) {
	next := b.Clone()
	if err := ApplyOperation(next, op); err != nil {
		return nil, err
	}
	return next, nil
}

func toSlice(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]interface{}); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			out := make([]interface{}, rv.Len())
			for i := range out {
				out[i] = deepCopyValue(rv.Index(i).Interface())
			}
			return out
		}
		return v
	}
}
