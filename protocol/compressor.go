package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// 解压后消息体的长度上限, 避免异常报文导致内存被打满
const maxDecompressedLength = 64 << 20

// Compressor 消息体压缩器
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

type noneCompressor struct{}

func (noneCompressor) Compress(src []byte) ([]byte, error)   { return src, nil }
func (noneCompressor) Decompress(src []byte) ([]byte, error) { return src, nil }

type gzipCompressor struct{}

func (gzipCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r)
}

type lz4Compressor struct{}

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(src []byte) ([]byte, error) {
	return readLimited(lz4.NewReader(bytes.NewReader(src)))
}

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor() *zstdCompressor {
	// 传入 nil writer/reader 时仅使用 EncodeAll/DecodeAll, 二者可并发调用
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedLength))
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
	return &zstdCompressor{encoder: enc, decoder: dec}
}

func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.encoder.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	return z.decoder.DecodeAll(src, nil)
}

type snappyCompressor struct{}

func (snappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCompressor) Decompress(src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > maxDecompressedLength {
		return nil, fmt.Errorf("snappy: decoded length %d exceeds limit", n)
	}
	return snappy.Decode(nil, src)
}

func readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressedLength+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecompressedLength {
		return nil, fmt.Errorf("decompressed body exceeds %d bytes", maxDecompressedLength)
	}
	return out, nil
}

var compressors = map[CompressorType]Compressor{
	CompressorNone:   noneCompressor{},
	CompressorGzip:   gzipCompressor{},
	CompressorLZ4:    lz4Compressor{},
	CompressorZstd:   newZstdCompressor(),
	CompressorSnappy: snappyCompressor{},
}

// CompressorFor 获取对应的压缩器
func CompressorFor(c CompressorType) (Compressor, bool) {
	comp, ok := compressors[c]
	return comp, ok
}
