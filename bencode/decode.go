package bencode

import "strconv"

// decoder walks a byte slice left to right, consuming exactly one bencode
// token per call. It never backs up, matching the "pull-based parser over a
// growing buffer" style used by the wire frame decoder in package wire.
type decoder struct {
	data []byte
	pos  int
}

// Decode parses the single bencode value at the start of data and returns
// it. Trailing bytes after the value are ignored (callers who care about
// trailing garbage should check DecodeAll).
func Decode(data []byte) (Value, error) {
	d := &decoder{data: data}
	v, err := d.decodeValue()
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

// DecodeAll parses the single bencode value at the start of data and
// requires that no bytes remain afterward.
func DecodeAll(data []byte) (Value, error) {
	d := &decoder{data: data}
	v, err := d.decodeValue()
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.data) {
		return Value{}, syntaxErrorf("trailing data after top-level value at offset %d", d.pos)
	}
	return v, nil
}

func (d *decoder) decodeValue() (Value, error) {
	if d.pos >= len(d.data) {
		return Value{}, syntaxErrorf("unexpected end of input at offset %d", d.pos)
	}

	switch b := d.data[d.pos]; {
	case b == 'i':
		return d.decodeInteger()
	case b == 'l':
		return d.decodeList()
	case b == 'd':
		return d.decodeDict()
	case b >= '0' && b <= '9':
		return d.decodeString()
	default:
		return Value{}, syntaxErrorf("unexpected token %q at offset %d", b, d.pos)
	}
}

func (d *decoder) decodeInteger() (Value, error) {
	start := d.pos
	d.pos++ // consume 'i'

	end := d.pos
	for end < len(d.data) && d.data[end] != 'e' {
		end++
	}
	if end >= len(d.data) {
		return Value{}, syntaxErrorf("unterminated integer starting at offset %d", start)
	}

	digits := string(d.data[d.pos:end])
	if digits == "" || digits == "-" {
		return Value{}, syntaxErrorf("empty integer at offset %d", d.pos)
	}
	// BitTorrent forbids "-0", leading zeros (other than "0" itself), and a
	// bare "+".
	neg := digits[0] == '-'
	unsigned := digits
	if neg {
		unsigned = digits[1:]
	}
	if unsigned == "" || (len(unsigned) > 1 && unsigned[0] == '0') || (neg && unsigned == "0") {
		return Value{}, syntaxErrorf("malformed integer %q at offset %d", digits, d.pos)
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Value{}, syntaxErrorf("integer %q at offset %d: %v", digits, d.pos, err)
	}

	d.pos = end + 1 // consume 'e'
	return Int64(n), nil
}

func (d *decoder) decodeString() (Value, error) {
	start := d.pos
	colon := d.pos
	for colon < len(d.data) && d.data[colon] != ':' {
		if d.data[colon] < '0' || d.data[colon] > '9' {
			return Value{}, syntaxErrorf("non-digit %q in string length at offset %d", d.data[colon], colon)
		}
		colon++
	}
	if colon >= len(d.data) {
		return Value{}, syntaxErrorf("unterminated string length starting at offset %d", start)
	}

	lengthDigits := string(d.data[start:colon])
	if len(lengthDigits) > 1 && lengthDigits[0] == '0' {
		return Value{}, syntaxErrorf("string length %q has leading zero at offset %d", lengthDigits, start)
	}

	length, err := strconv.ParseInt(lengthDigits, 10, 64)
	if err != nil || length < 0 {
		return Value{}, syntaxErrorf("invalid string length %q at offset %d", lengthDigits, start)
	}

	dataStart := colon + 1
	dataEnd := dataStart + int(length)
	if dataEnd < dataStart || dataEnd > len(d.data) {
		return Value{}, syntaxErrorf("string of length %d at offset %d runs past end of input", length, start)
	}

	str := make([]byte, length)
	copy(str, d.data[dataStart:dataEnd])
	d.pos = dataEnd
	return Bytes(str), nil
}

func (d *decoder) decodeList() (Value, error) {
	start := d.pos
	d.pos++ // consume 'l'

	var items []Value
	for {
		if d.pos >= len(d.data) {
			return Value{}, syntaxErrorf("unterminated list starting at offset %d", start)
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return List(items...), nil
		}
		v, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
}

func (d *decoder) decodeDict() (Value, error) {
	start := d.pos
	d.pos++ // consume 'd'

	var entries []DictEntry
	for {
		if d.pos >= len(d.data) {
			return Value{}, syntaxErrorf("unterminated dict starting at offset %d", start)
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return Dict(entries...), nil
		}

		keyVal, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}
		if keyVal.Kind != KindString {
			return Value{}, syntaxErrorf("dict key at offset %d is not a byte string", start)
		}

		val, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}

		entries = append(entries, DictEntry{Key: string(keyVal.Str), Value: val})
	}
}
