package tier

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// encodeEntry serializes an entry into the msgpack envelope shared by the
// remote tiers. The envelope carries the entry metadata so a value read
// back from Redis or object storage keeps its content type, expiry, and
// compression flag.
func encodeEntry(entry *types.Entry) ([]byte, error) {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return nil, errors.New(errors.ErrCodeEncodeFailed, "marshal cache entry").
			WithKey(entry.Key).WithCause(err)
	}
	return data, nil
}

// decodeEntry deserializes a msgpack envelope produced by encodeEntry.
func decodeEntry(data []byte) (*types.Entry, error) {
	var entry types.Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, errors.New(errors.ErrCodeDecodeFailed, "unmarshal cache entry").
			WithCause(err)
	}
	return &entry, nil
}
