package apkinfo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	poolFlagSorted = 0x00000001
	poolFlagUtf8   = 0x00000100
)

// stringPool is the lazy, offset-indexed string table every chunk-based
// resource (AXML tags/attribute names, ARSC package/key/value strings)
// stores its text in. Entries are decoded on first access and cached, since
// most manifests and resource tables only ever touch a small fraction of
// the pool.
type stringPool struct {
	utf8    bool
	offsets []byte
	blob    []byte
	decoded map[uint32]string
}

// parsePoolChunk reads a standalone string-pool chunk, header included. The
// AXML and ARSC chunk walkers in this package read the chunk header
// themselves and call parsePool on the body instead.
func parsePoolChunk(r io.Reader) (res stringPool, err error) {
	id, _, totalLen, err := parseChunkHeader(r)
	if err != nil {
		return
	}

	if id != chunkStringTable {
		err = fmt.Errorf("invalid chunk id 0x%08x, expected 0x%08x", id, chunkStringTable)
		return
	}

	return parsePool(&io.LimitedReader{R: r, N: int64(totalLen - chunkHeaderSize)})
}

// parsePool decodes a string-pool chunk body: the string count, encoding
// flag, the offset table, and the raw UTF-8/UTF-16 blob those offsets index
// into. It does not decode any individual string — that happens lazily in
// Resolve.
func parsePool(r *io.LimitedReader) (stringPool, error) {
	var err error
	var stringCnt, poolOffset, flags uint32
	var res stringPool

	if err := binary.Read(r, binary.LittleEndian, &stringCnt); err != nil {
		return res, fmt.Errorf("reading string count: %s", err.Error())
	}

	// Style span count: this decoder has no use for styled (spanned)
	// strings, so its table is skipped wholesale.
	if _, err = io.CopyN(ioutil.Discard, r, 4); err != nil {
		return res, fmt.Errorf("reading style count: %s", err.Error())
	}

	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return res, fmt.Errorf("reading pool flags: %s", err.Error())
	}

	res.utf8 = (flags & poolFlagUtf8) != 0
	if res.utf8 {
		flags &^= poolFlagUtf8
	}
	flags &^= poolFlagSorted // sortedness doesn't affect decoding

	if flags != 0 {
		return res, fmt.Errorf("unknown string pool flag: 0x%08x", flags)
	}

	if err := binary.Read(r, binary.LittleEndian, &poolOffset); err != nil {
		return res, fmt.Errorf("reading string data offset: %s", err.Error())
	}

	// Style data offset: unused for the same reason as the style count.
	if _, err = io.CopyN(ioutil.Discard, r, 4); err != nil {
		return res, fmt.Errorf("reading style offset: %s", err.Error())
	}

	if stringCnt >= 2*1024*1024 {
		return res, fmt.Errorf("implausible string count in pool (%d)", stringCnt)
	}

	remainder := int64(poolOffset) - 7*4 - 4*int64(stringCnt)
	if remainder < 0 {
		// Some malformed tools understate the offset table length; recover
		// by trimming the offset table to what actually fits rather than
		// rejecting the whole chunk.
		if remainder%4 == 0 && uint32((-1*remainder)/4) < stringCnt {
			stringCnt -= uint32(-1 * remainder / 4)
		} else {
			return res, fmt.Errorf("inconsistent string data offset (remainder %d)", remainder)
		}
	}

	res.offsets = make([]byte, 4*stringCnt)
	if _, err := io.ReadFull(r, res.offsets); err != nil {
		return res, fmt.Errorf("reading string offset table: %s", err.Error())
	}

	if remainder > 0 {
		if _, err = io.CopyN(ioutil.Discard, r, remainder); err != nil {
			return res, fmt.Errorf("skipping style span table: %s", err.Error())
		}
	}

	res.blob = make([]byte, r.N)
	if _, err := io.ReadFull(r, res.blob); err != nil {
		return res, fmt.Errorf("reading string pool data: %s", err.Error())
	}

	res.decoded = make(map[uint32]string)
	return res, nil
}

// decodeUTF16Entry reads one UTF-16LE pool entry: a possibly-two-word
// character count (the high bit of the first word signals a 31-bit count
// split across two uint16s) followed by that many UTF-16 code units, with
// a trailing NUL trimmed.
func decodeUTF16Entry(r io.Reader) (string, error) {
	var charCount uint32
	var lowWord, highWord uint16

	if err := binary.Read(r, binary.LittleEndian, &highWord); err != nil {
		return "", fmt.Errorf("reading utf16 length: %s", err.Error())
	}

	if (highWord & 0x8000) != 0 {
		if err := binary.Read(r, binary.LittleEndian, &lowWord); err != nil {
			return "", fmt.Errorf("reading utf16 length: %s", err.Error())
		}
		charCount = (uint32(highWord&0x7FFF) << 16) | uint32(lowWord)
	} else {
		charCount = uint32(highWord)
	}

	units := make([]uint16, charCount)
	if err := binary.Read(r, binary.LittleEndian, &units); err != nil {
		return "", fmt.Errorf("reading utf16 string: %s", err.Error())
	}

	decoded := utf16.Decode(units)
	for len(decoded) != 0 && decoded[len(decoded)-1] == 0 {
		decoded = decoded[:len(decoded)-1]
	}
	return string(decoded), nil
}

// utf8EntryLen reads one length field of the UTF-8 string8 encoding: like
// decodeUTF16Entry's count but byte-granular (7-bit words, MSB continuation
// flag). string8 carries two of these back to back — the UTF-16 length
// first, then the actual UTF-8 byte length — so this is called twice per
// entry by decodeUTF8Entry.
func utf8EntryLen(r io.Reader) (int64, error) {
	var low, high uint8

	if err := binary.Read(r, binary.LittleEndian, &high); err != nil {
		return 0, fmt.Errorf("reading utf8 length: %s", err.Error())
	}

	if (high & 0x80) != 0 {
		if err := binary.Read(r, binary.LittleEndian, &low); err != nil {
			return 0, fmt.Errorf("reading utf8 length: %s", err.Error())
		}
		return (int64(high&0x7F) << 8) | int64(low), nil
	}
	return int64(high), nil
}

func decodeUTF8Entry(r io.Reader) (string, error) {
	if _, err := utf8EntryLen(r); err != nil { // UTF-16 length, unused here
		return "", err
	}
	byteLen, err := utf8EntryLen(r)
	if err != nil {
		return "", err
	}

	buf := make([]uint8, byteLen)
	if err := binary.Read(r, binary.LittleEndian, &buf); err != nil {
		return "", fmt.Errorf("reading utf8 string: %s", err.Error())
	}
	for len(buf) != 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

// Resolve decodes and caches the string at idx. math.MaxUint32 is the wire
// sentinel for "no string" (e.g. the global namespace) and always resolves
// to "" rather than an error.
func (p *stringPool) Resolve(idx uint32) (string, error) {
	if idx == math.MaxUint32 {
		return "", nil
	} else if idx >= uint32(len(p.offsets)/4) {
		return "", fmt.Errorf("string index %d out of range", idx)
	}

	if str, ok := p.decoded[idx]; ok {
		return str, nil
	}

	offset := binary.LittleEndian.Uint32(p.offsets[4*idx : 4*idx+4])
	if offset >= uint32(len(p.blob)) {
		return "", fmt.Errorf("string offset for index %d out of bounds (%d >= %d)", idx, offset, len(p.blob))
	}

	r := bytes.NewReader(p.blob[offset:])

	var err error
	var res string
	if p.utf8 {
		res, err = decodeUTF8Entry(r)
	} else {
		res, err = decodeUTF16Entry(r)
	}
	if err != nil {
		return "", err
	}

	if !utf8.ValidString(res) || strings.ContainsRune(res, 0) {
		res = strings.Map(func(r rune) rune {
			switch r {
			case 0, utf8.RuneError:
				return '\uFFFE'
			default:
				return r
			}
		}, res)
	}

	p.decoded[idx] = res
	return res, nil
}

// empty reports a pool that was never successfully parsed (zero value),
// distinct from one that parsed to zero strings.
func (p *stringPool) empty() bool {
	return p.decoded == nil
}
