package codec

// Codec encodes/decodes values V to []byte. The cache uses it two ways:
// deep-copying rollback snapshots (encode/decode round trip) and framing
// warm-store payloads.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
