package sink

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered with grpc's codec registry so the sink's
// gRPC stream exchanges JSON messages instead of protobuf wire bytes —
// there's no generated .proto stub for the cloud ingest service in this
// pack, and a hand-registered codec lets the connector speak real gRPC
// framing (length-prefixed, HTTP/2) without code generation.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
