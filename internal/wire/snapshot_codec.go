package wire

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// CodecRaw marks a SnapshotPayload whose Values map is populated directly.
const CodecRaw = ""

// CodecSnappy marks a SnapshotPayload whose Blob is a Snappy-compressed
// JSON encoding of the key/value map, used once a snapshot grows past the
// configured compression threshold.
const CodecSnappy = "snappy"

// EncodeSnapshotValues chooses between the raw and Snappy-compressed
// representations of values based on their JSON-encoded size versus
// compressMinBytes. A non-positive threshold disables compression.
func EncodeSnapshotValues(values map[string]int64, compressMinBytes int) (*SnapshotPayload, error) {
	if compressMinBytes <= 0 {
		return &SnapshotPayload{Values: values, Codec: CodecRaw}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("wire: encode snapshot values: %w", err)
	}
	if len(raw) < compressMinBytes {
		return &SnapshotPayload{Values: values, Codec: CodecRaw}, nil
	}
	return &SnapshotPayload{Blob: snappy.Encode(nil, raw), Codec: CodecSnappy}, nil
}

// DecodeSnapshotValues recovers the key/value map from p regardless of
// which representation EncodeSnapshotValues chose.
func DecodeSnapshotValues(p *SnapshotPayload) (map[string]int64, error) {
	if p == nil {
		return map[string]int64{}, nil
	}
	switch p.Codec {
	case CodecRaw:
		if p.Values == nil {
			return map[string]int64{}, nil
		}
		return p.Values, nil
	case CodecSnappy:
		raw, err := snappy.Decode(nil, p.Blob)
		if err != nil {
			return nil, fmt.Errorf("wire: decode snappy snapshot blob: %w", err)
		}
		values := make(map[string]int64)
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("wire: decode snapshot values: %w", err)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("wire: unknown snapshot codec %q", p.Codec)
	}
}
