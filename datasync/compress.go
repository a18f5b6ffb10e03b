package datasync

import "github.com/klauspost/compress/zstd"

// Package-level codec singletons: both EncodeAll/DecodeAll are documented
// as safe for concurrent use, so one encoder/decoder pair is shared across
// every Engine in the process rather than built per-call.
var zstdEncoder, zstdDecoder = mustZstdCodec()

func mustZstdCodec() (*zstd.Encoder, *zstd.Decoder) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return enc, dec
}

func compressBytes(b []byte) []byte {
	return zstdEncoder.EncodeAll(b, make([]byte, 0, len(b)))
}

func decompressBytes(b []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(b, nil)
}
