package checkpoint

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/blake2b"
)

// Context encodings.
const (
	EncodingJSON   = "json"
	EncodingJSONXZ = "json+xz"
)

func compressXZ(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress context: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress context: %w", err)
	}
	return buf.Bytes(), nil
}

func extractXZ(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress context: %w", err)
	}
	return raw, nil
}

// checksum returns the hex blake2b-256 digest of data.
func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
