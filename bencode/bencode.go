// Package bencode implements the bencoding grammar used by .torrent files and
// tracker responses: integers (i<digits>e), byte strings (<len>:<bytes>),
// lists (l<items>e) and dictionaries (d(<key><value>)*e).
//
// Unlike reflection-based bencode libraries, this decoder preserves a
// dictionary's original key order instead of sorting or map-randomizing it,
// because info_hash depends on re-encoding the info dictionary byte-for-byte
// the way the source .torrent file wrote it.
package bencode

import (
	"errors"
	"fmt"
)

// ErrInvalidBencode is returned (wrapped) for any malformed input: an
// unexpected token, a truncated stream, a non-digit string length, a
// negative length, or a missing terminator.
var ErrInvalidBencode = errors.New("bencode: invalid encoding")

// Kind identifies which of the four bencode grammar productions a Value
// holds.
type Kind int

const (
	KindInteger Kind = iota
	KindString
	KindList
	KindDict
)

// DictEntry is one key/value pair of a dictionary, kept in ingest order.
type DictEntry struct {
	Key   string
	Value Value
}

// Value is a decoded bencode value. Exactly one of the typed fields is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind

	Int  int64
	Str  []byte
	List []Value
	Dict []DictEntry
}

// Int64 constructs an integer Value.
func Int64(v int64) Value { return Value{Kind: KindInteger, Int: v} }

// String constructs a byte-string Value from a Go string.
func String(v string) Value { return Value{Kind: KindString, Str: []byte(v)} }

// Bytes constructs a byte-string Value.
func Bytes(v []byte) Value { return Value{Kind: KindString, Str: v} }

// List constructs a list Value.
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Dict constructs a dictionary Value from entries, preserving their order.
// Callers must pass entries already sorted by raw key bytes when canonical
// form is required (e.g. for computing info_hash).
func Dict(entries ...DictEntry) Value { return Value{Kind: KindDict, Dict: entries} }

// Get returns the value associated with key in a dictionary Value, and
// whether it was present. Get on a non-dictionary Value always misses.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	for _, e := range v.Dict {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

func syntaxErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidBencode, fmt.Sprintf(format, args...))
}
