package bencode

import (
	"bytes"
	"strconv"
)

// Encode serializes v to its bencode wire form. Dictionaries are emitted in
// the order their entries were built with Dict/DictEntry; callers must
// supply keys already sorted by raw bytes when canonical form is required
// (as is the case when re-encoding the info dictionary for info_hash).
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInteger:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		for _, e := range v.Dict {
			encodeValue(buf, String(e.Key))
			encodeValue(buf, e.Value)
		}
		buf.WriteByte('e')
	}
}

// EncodeSorted is Encode, except dictionary entries (at every nesting level)
// are first sorted by raw key bytes, producing the canonical form BitTorrent
// requires when hashing a freshly-constructed info dictionary.
func EncodeSorted(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, sortedCopy(v))
	return buf.Bytes()
}

func sortedCopy(v Value) Value {
	switch v.Kind {
	case KindList:
		items := make([]Value, len(v.List))
		for i, item := range v.List {
			items[i] = sortedCopy(item)
		}
		return List(items...)
	case KindDict:
		entries := make([]DictEntry, len(v.Dict))
		copy(entries, v.Dict)
		for i := range entries {
			entries[i].Value = sortedCopy(entries[i].Value)
		}
		sortEntries(entries)
		return Dict(entries...)
	default:
		return v
	}
}

func sortEntries(entries []DictEntry) {
	// Insertion sort: dictionaries in torrent files have few keys, and this
	// keeps the sort stable without pulling in sort.Slice's reflection path.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Key < entries[j-1].Key; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
