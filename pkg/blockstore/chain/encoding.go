package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
)

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func encodeData[T any](d *DataBlock[T]) *block.Block {
	raw, _ := json.Marshal(d)
	var attrs map[string]interface{}
	_ = json.Unmarshal(raw, &attrs)
	return &block.Block{Header: d.Header, Attributes: attrs}
}

func decodeData[T any](b *block.Block) (*DataBlock[T], error) {
	raw, err := json.Marshal(b.Attributes)
	if err != nil {
		return nil, fmt.Errorf("chain: encode data block attributes: %w", err)
	}
	var d DataBlock[T]
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("chain: decode data block: %w", err)
	}
	d.Header = b.Header
	return &d, nil
}

func encodeHeader(h *HeaderBlock) *block.Block {
	raw, _ := json.Marshal(h)
	var attrs map[string]interface{}
	_ = json.Unmarshal(raw, &attrs)
	return &block.Block{Header: h.Header, Attributes: attrs}
}

func deleteTransform(blockId string) block.Transforms {
	t := block.EmptyTransforms()
	t.Deletes[blockId] = struct{}{}
	return t
}

func decodeHeader(b *block.Block) (*HeaderBlock, error) {
	raw, err := json.Marshal(b.Attributes)
	if err != nil {
		return nil, fmt.Errorf("chain: encode header block attributes: %w", err)
	}
	var h HeaderBlock
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("chain: decode header block: %w", err)
	}
	h.Header = b.Header
	return &h, nil
}
