package types

import (
	"encoding/hex"

	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Hash is the hex encoding of a 32 byte SHA3-256 content digest
type Hash string

func (h Hash) Empty() bool {
	return h == ""
}

func (h Hash) Bytes() []byte {
	return []byte(h)
}

// HashOf msgpack encodes v and returns the digest of the encoding
func HashOf(v interface{}) (Hash, error) {
	d, err := msgpack.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshaling for digest")
	}

	return HashOfBytes(d)
}

func HashOfBytes(d []byte) (Hash, error) {
	mh, err := multihash.Sum(d, multihash.SHA3_256, multihash.DefaultLengths[multihash.SHA3_256])
	if err != nil {
		return "", errors.Wrap(err, "summing digest")
	}

	dec, err := multihash.Decode(mh)
	if err != nil {
		return "", errors.Wrap(err, "decoding multihash")
	}

	return Hash(hex.EncodeToString(dec.Digest)), nil
}

// MustHashOf is HashOf for values that are known to marshal
func MustHashOf(v interface{}) Hash {
	h, err := HashOf(v)
	if err != nil {
		panic(err)
	}

	return h
}
