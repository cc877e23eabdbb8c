package crypto

import (
	"bytes"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var ErrDigestMismatch = errors.New("crypto: attachment digest mismatch")

var attachmentAD = []byte("courier attachment")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("crypto: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("crypto: zstd decoder initialization failed: " + err.Error())
	}
}

// SealedAttachment is an attachment ready for upload. Key and Digest travel in the attachment pointer.
type SealedAttachment struct {
	Body   []byte
	Key    []byte
	Digest []byte
	Size   uint64
}

// SealAttachment compresses data and encrypts it under a fresh key.
func SealAttachment(data []byte) (*SealedAttachment, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		return nil, err
	}
	body, err := EncryptWithKey(key, zstdEncoder.EncodeAll(data, nil), attachmentAD)
	if err != nil {
		return nil, err
	}
	digest := blake3.Sum256(body)
	return &SealedAttachment{Body: body, Key: key, Digest: digest[:], Size: uint64(len(data))}, nil
}

// OpenAttachment checks the digest, then decrypts and decompresses body.
func OpenAttachment(body, key, digest []byte) ([]byte, error) {
	sum := blake3.Sum256(body)
	if len(digest) != 0 && !bytes.Equal(sum[:], digest) {
		return nil, ErrDigestMismatch
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: attachment key is %d bytes", len(key))
	}
	compressed, err := DecryptWithKey(key, body, attachmentAD)
	if err != nil {
		return nil, fmt.Errorf("crypto: error decrypting attachment: %w", err)
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: error decompressing attachment: %w", err)
	}
	return data, nil
}
