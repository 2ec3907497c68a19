package introspect

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"kvreplica/internal/bigseq"
	"kvreplica/internal/wire"
)

// envelopeToStruct renders a wire.Envelope as a structpb.Struct so it can
// travel over the introspection service without a compiled message type
// of its own. Every populated field of env becomes a struct field of the
// same name; the sequence vector is rendered as a list of numbers.
func envelopeToStruct(env wire.Envelope) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"op": string(env.Op),
	}
	if env.Key != "" {
		fields["key"] = env.Key
	}
	if env.Val != 0 {
		fields["val"] = float64(env.Val)
	}
	if env.By != 0 {
		fields["by"] = float64(env.By)
	}
	if len(env.Seq) > 0 {
		fields["seq"] = seqToList(env.Seq)
	}
	if env.Present {
		fields["present"] = true
	}
	if env.Size != 0 {
		fields["size"] = float64(env.Size)
	}
	if env.Error != "" {
		fields["error"] = env.Error
	}
	if env.SubscriberID != "" {
		fields["subscriber_id"] = env.SubscriberID
	}
	if env.PeerID != "" {
		fields["peer_id"] = env.PeerID
	}
	if env.Snapshot != nil {
		snap, err := snapshotToStruct(env.Snapshot)
		if err != nil {
			return nil, err
		}
		fields["snapshot"] = snap.AsMap()
	}
	return structpb.NewStruct(fields)
}

func seqToList(s bigseq.Seq) []interface{} {
	out := make([]interface{}, len(s))
	for i, digit := range s {
		out[i] = float64(digit)
	}
	return out
}

func snapshotToStruct(p *wire.SnapshotPayload) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"sequence": seqToList(p.Sequence),
	}
	if len(p.Values) > 0 {
		values := make(map[string]interface{}, len(p.Values))
		for k, v := range p.Values {
			values[k] = float64(v)
		}
		fields["values"] = values
	}
	if p.Codec != "" {
		fields["codec"] = p.Codec
	}
	if len(p.Blob) > 0 {
		fields["blob"] = base64.StdEncoding.EncodeToString(p.Blob)
	}
	return structpb.NewStruct(fields)
}

// structToSnapshot reverses snapshotToStruct, used by FetchSnapshot's
// caller-side helpers and tests.
func structToSnapshot(s *structpb.Struct) (*wire.SnapshotPayload, error) {
	if s == nil {
		return nil, fmt.Errorf("introspect: nil snapshot struct")
	}
	m := s.AsMap()
	payload := &wire.SnapshotPayload{}

	if rawSeq, ok := m["sequence"].([]interface{}); ok {
		seq := make(bigseq.Seq, len(rawSeq))
		for i, v := range rawSeq {
			n, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("introspect: sequence digit %d is not numeric", i)
			}
			seq[i] = uint64(n)
		}
		payload.Sequence = bigseq.Normalize(seq)
	} else {
		payload.Sequence = bigseq.Zero()
	}

	if rawValues, ok := m["values"].(map[string]interface{}); ok {
		values := make(map[string]int64, len(rawValues))
		for k, v := range rawValues {
			n, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("introspect: value for key %q is not numeric", k)
			}
			values[k] = int64(n)
		}
		payload.Values = values
	}

	if codec, ok := m["codec"].(string); ok {
		payload.Codec = codec
	}
	if blob, ok := m["blob"].(string); ok && blob != "" {
		decoded, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("introspect: decode blob: %w", err)
		}
		payload.Blob = decoded
	}
	return payload, nil
}

// DecodeFetchSnapshotResponse reverses the encoding FetchSnapshot applies,
// decompressing the values blob when the response carries one. Callers of
// the introspection RPC use this instead of reading the struct fields
// directly.
func DecodeFetchSnapshotResponse(resp *structpb.Struct, compressor Compressor) (*wire.SnapshotPayload, error) {
	payload, err := structToSnapshot(resp)
	if err != nil {
		return nil, err
	}
	if payload.Codec == "" || len(payload.Blob) == 0 {
		return payload, nil
	}
	if compressor == nil || compressor.Name() != payload.Codec {
		return nil, fmt.Errorf("introspect: unsupported snapshot codec %q", payload.Codec)
	}
	raw, err := compressor.Decompress(payload.Blob)
	if err != nil {
		return nil, fmt.Errorf("introspect: decompress snapshot: %w", err)
	}
	values := make(map[string]int64)
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("introspect: decode decompressed values: %w", err)
	}
	return &wire.SnapshotPayload{Sequence: payload.Sequence, Values: values}, nil
}
