package sdk

import (
	"crypto/md5"
	"encoding/hex"
	"io"
)

// ChunkSize is the default size of one write operation in Upload.
const ChunkSize = 4 << 20

// MD5Hex is the checksum a write operation carries for data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// MD5FromReader hashes everything reader yields, returning the checksum and the byte count.
// This is more memory-efficient for large files
func MD5FromReader(reader io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, reader)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Chunk is one slice of a stream with its own checksum.
type Chunk struct {
	Offset int64
	Data   []byte
	MD5    string
}

// SplitChunks reads reader in chunks of size bytes and calls fn for each, in order.
// An empty reader yields a single empty chunk so that empty files still get written.
func SplitChunks(reader io.Reader, size int, fn func(c Chunk) error) error {
	if size <= 0 {
		size = ChunkSize
	}
	var offset int64
	buf := make([]byte, size)
	for first := true; ; first = false {
		n, err := io.ReadFull(reader, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}
		if n == 0 && !first {
			return nil
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if ferr := fn(Chunk{Offset: offset, Data: data, MD5: MD5Hex(data)}); ferr != nil {
			return ferr
		}
		offset += int64(n)
		if err != nil {
			return nil
		}
	}
}
