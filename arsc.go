package apkinfo

import (
	"fmt"
	"io"
	"unicode/utf16"
)

// configSentinel distinguishes the two synthetic configs (ConfigFirst,
// ConfigLast) from a real ResTable_config parsed out of the archive.
type configSentinel int

const (
	sentinelNone configSentinel = iota
	sentinelFirst
	sentinelLast
)

// ResTableConfig mirrors the fields of Android's ResTable_config that matter
// for picking among alternative resource values (frameworks/base/libs/
// androidfw/include/androidfw/ResourceTypes.h). Fields beyond the declared
// chunk size are left zeroed, matching how the platform treats configs
// written by older AAPT versions.
type ResTableConfig struct {
	sentinel configSentinel

	Mcc, Mnc              uint16
	Language, Country     [2]byte
	Orientation           uint8
	Touchscreen           uint8
	Density               uint16
	Keyboard              uint8
	Navigation            uint8
	InputFlags            uint8
	ScreenWidth           uint16
	ScreenHeight          uint16
	SdkVersion            uint16
	MinorVersion          uint16
	ScreenLayout          uint8
	UiMode                uint8
	SmallestScreenWidthDp uint16
	ScreenWidthDp         uint16
	ScreenHeightDp        uint16
}

// ConfigFirst selects, for a given resource id, the value from whichever
// configuration was declared first in the table, ignoring device matching.
var ConfigFirst = &ResTableConfig{sentinel: sentinelFirst}

// ConfigLast selects the value from the last declared configuration.
var ConfigLast = &ResTableConfig{sentinel: sentinelLast}

// DefaultConfig matches the Android default ("no qualifiers") configuration.
var DefaultConfig = &ResTableConfig{}

func parseResTableConfig(r *boundedReader) (*ResTableConfig, error) {
	size, err := r.u32()
	if err != nil {
		return nil, err
	}
	if size < 4 {
		return nil, fmt.Errorf("resTable_config size %d too small", size)
	}

	body := newBoundedReader(r, int64(size)-4, r.N)
	cfg := &ResTableConfig{}

	read := func(fn func() error) {
		if err != nil || body.N <= 0 {
			return
		}
		err = fn()
	}

	read(func() error { cfg.Mcc, err = body.u16(); return err })
	read(func() error { cfg.Mnc, err = body.u16(); return err })
	read(func() error {
		var lang, country [2]byte
		if lang[0], err = body.u8(); err != nil {
			return err
		}
		if lang[1], err = body.u8(); err != nil {
			return err
		}
		if country[0], err = body.u8(); err != nil {
			return err
		}
		if country[1], err = body.u8(); err != nil {
			return err
		}
		cfg.Language, cfg.Country = lang, country
		return nil
	})
	read(func() error { cfg.Orientation, err = body.u8(); return err })
	read(func() error { cfg.Touchscreen, err = body.u8(); return err })
	read(func() error { cfg.Density, err = body.u16(); return err })
	read(func() error { cfg.Keyboard, err = body.u8(); return err })
	read(func() error { cfg.Navigation, err = body.u8(); return err })
	read(func() error { cfg.InputFlags, err = body.u8(); return err })
	read(func() error { _, err = body.u8(); return err }) // inputPad0
	read(func() error { cfg.ScreenWidth, err = body.u16(); return err })
	read(func() error { cfg.ScreenHeight, err = body.u16(); return err })
	read(func() error { cfg.SdkVersion, err = body.u16(); return err })
	read(func() error { cfg.MinorVersion, err = body.u16(); return err })
	read(func() error { cfg.ScreenLayout, err = body.u8(); return err })
	read(func() error { cfg.UiMode, err = body.u8(); return err })
	read(func() error { cfg.SmallestScreenWidthDp, err = body.u16(); return err })
	read(func() error { cfg.ScreenWidthDp, err = body.u16(); return err })
	read(func() error { cfg.ScreenHeightDp, err = body.u16(); return err })

	if err != nil {
		return nil, err
	}
	body.drain()
	return cfg, nil
}

// isBetterThan reports whether cfg is a strictly better match for requested
// than other, using a condensed form of Android's ResTable_config::isBetterThan
// precedence: locale beats screen-size class beats density beats orientation.
// A tie reports false, so pickConfig keeps the earlier-declared config.
// Full MCC/MNC and input-method tie-breaking is intentionally not modeled.
func (cfg *ResTableConfig) isBetterThan(other *ResTableConfig, requested *ResTableConfig) bool {
	if other == nil {
		return true
	}
	if requested == nil {
		requested = DefaultConfig
	}

	score := func(c *ResTableConfig) [4]int {
		var s [4]int
		if requested.Language != [2]byte{} && c.Language == requested.Language {
			s[0] = 1
			if c.Country == requested.Country {
				s[0] = 2
			}
		}
		if requested.SmallestScreenWidthDp != 0 && c.SmallestScreenWidthDp != 0 && c.SmallestScreenWidthDp <= requested.SmallestScreenWidthDp {
			s[1] = int(c.SmallestScreenWidthDp)
		}
		if requested.Density != 0 && c.Density == requested.Density {
			s[2] = 1
		} else if c.Density != 0 {
			s[2] = -1
		}
		if requested.Orientation != 0 && c.Orientation == requested.Orientation {
			s[3] = 1
		}
		return s
	}

	a, b := score(cfg), score(other)
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

type resTableEntry struct {
	key      uint32 // index into the owning package's key string pool
	complex  bool
	value    TypedValue
	children map[uint32]TypedValue // present only when complex (style/map entries); name id -> value
}

type resTypeChunk struct {
	config  *ResTableConfig
	entries map[uint32]*resTableEntry // entry index -> entry
	seq     int                       // declaration order, for ConfigFirst/ConfigLast
}

type resPackage struct {
	id          uint32
	name        string
	typeStrings stringPool
	keyStrings  stringPool
	types       map[uint32][]*resTypeChunk // type index (0-based) -> all declared configs
}

// ResourceTable is the decoded form of resources.arsc: a set of packages,
// each holding per-type, per-configuration entry tables, plus the shared
// global string pool referenced by AXML attribute and ARSC string values.
type ResourceTable struct {
	strings  stringPool
	packages map[uint32]*resPackage // package id (top byte of a resource id) -> package
}

// ParseResourceTable decodes a resources.arsc stream into a ResourceTable.
// As with the AXML decoder, malformed or truncated chunks are skipped rather
// than failing the whole parse; the caller gets back whatever was decoded
// plus a Truncated error if the input ran out early.
func ParseResourceTable(r io.Reader) (*ResourceTable, error) {
	t := &ResourceTable{packages: make(map[uint32]*resPackage)}

	id, _, totalLen, err := parseChunkHeader(r)
	if err != nil {
		return nil, newParseError(ErrKindCorrupt, 0, "reading arsc header: %s", err.Error())
	}
	if id != chunkTable {
		return nil, newParseError(ErrKindCorrupt, 0, "unexpected top-level chunk id 0x%04x", id)
	}
	if totalLen <= chunkHeaderSize+4 {
		return nil, newParseError(ErrKindCorrupt, 0, "arsc declared length %d too small", totalLen)
	}

	top := newBoundedReader(r, int64(totalLen-chunkHeaderSize), int64(totalLen-chunkHeaderSize))
	if _, err := top.u32(); err != nil { // packageCount, informational only; we trust chunk walking instead
		return nil, newParseError(ErrKindTruncated, 0, "reading package count: %s", err.Error())
	}

	var truncated error
	for top.N > 0 {
		cid, _, clen, herr := parseChunkHeader(top)
		if herr != nil {
			truncated = newParseError(ErrKindTruncated, 0, "reading chunk header: %s", herr.Error())
			break
		}
		if clen < chunkHeaderSize {
			truncated = newParseError(ErrKindTruncated, 0, "chunk declared length %d too small", clen)
			break
		}
		body := int64(clen) - chunkHeaderSize
		if body > top.N {
			body = top.N
		}
		lm := newBoundedReader(top, body, body)

		switch cid {
		case chunkStringTable:
			t.strings, err = parsePool(lm.LimitedReader)
		case chunkTablePackage:
			err = t.parsePackage(lm)
		default:
			// library chunk and anything unrecognized: skipped
		}
		_ = err
		lm.drain()
		if clen == 0 {
			break
		}
	}

	if len(t.packages) == 0 {
		return nil, newParseError(ErrKindCorrupt, 0, "no resource packages decoded")
	}
	if truncated != nil {
		return t, truncated
	}
	return t, nil
}

func (t *ResourceTable) parsePackage(r *boundedReader) error {
	pkgId, err := r.u32()
	if err != nil {
		return err
	}

	nameBuf := make([]uint16, 128)
	for i := range nameBuf {
		if nameBuf[i], err = r.u16(); err != nil {
			return err
		}
	}
	name := utf16ToString(nameBuf)

	typeStringsOff, err := r.u32()
	if err != nil {
		return err
	}
	if _, err = r.u32(); err != nil { // lastPublicType
		return err
	}
	keyStringsOff, err := r.u32()
	if err != nil {
		return err
	}
	if _, err = r.u32(); err != nil { // lastPublicKey
		return err
	}
	// typeIdOffset (API 28+) may or may not be present; parseChunkHeader's
	// caller already clamped us to the declared chunk size, so a short read
	// here just means an older-format package chunk, which is fine.
	r.u32()

	pkg := &resPackage{id: pkgId, name: name, types: make(map[uint32][]*resTypeChunk)}

	_ = typeStringsOff
	_ = keyStringsOff

	for r.N > 0 {
		cid, _, clen, herr := parseChunkHeader(r)
		if herr != nil {
			break
		}
		if clen < chunkHeaderSize {
			break
		}
		body := int64(clen) - chunkHeaderSize
		if body > r.N {
			body = r.N
		}
		lm := newBoundedReader(r, body, body)

		var cerr error
		switch cid {
		case chunkStringTable:
			var st stringPool
			st, cerr = parsePool(lm.LimitedReader)
			if cerr == nil {
				if pkg.typeStrings.empty() {
					pkg.typeStrings = st
				} else {
					pkg.keyStrings = st
				}
			}
		case chunkTableType:
			cerr = pkg.parseType(lm)
		case chunkTableTypeSpec:
			// entry-flags table; not needed for value resolution
		default:
		}
		_ = cerr
		lm.drain()
		if clen == 0 {
			break
		}
	}

	t.packages[pkgId] = pkg
	return nil
}

func (pkg *resPackage) parseType(r *boundedReader) error {
	typeId, err := r.u8()
	if err != nil {
		return err
	}
	if _, err = r.u8(); err != nil { // res0
		return err
	}
	if _, err = r.u16(); err != nil { // res1
		return err
	}
	entryCount, err := r.u32()
	if err != nil {
		return err
	}
	entriesStart, err := r.u32()
	if err != nil {
		return err
	}
	cfg, err := parseResTableConfig(r)
	if err != nil {
		return err
	}

	offsets := make([]uint32, entryCount)
	for i := range offsets {
		if offsets[i], err = r.u32(); err != nil {
			return err
		}
	}

	chunk := &resTypeChunk{config: cfg, entries: make(map[uint32]*resTableEntry)}
	typeIdx := uint32(typeId) - 1 // type ids are 1-based in the wire format

	_ = entriesStart // entries are read relative to the current cursor, already past the header
	const noEntry = 0xFFFFFFFF
	for idx, off := range offsets {
		if off == noEntry {
			continue
		}
		entry, err := parseResTableEntry(r)
		if err != nil {
			continue // a broken individual entry doesn't sink the whole type
		}
		chunk.entries[uint32(idx)] = entry
	}

	chunk.seq = len(pkg.types[typeIdx])
	pkg.types[typeIdx] = append(pkg.types[typeIdx], chunk)
	return nil
}

func parseResTableEntry(r *boundedReader) (*resTableEntry, error) {
	size, err := r.u16()
	if err != nil {
		return nil, err
	}
	flags, err := r.u16()
	if err != nil {
		return nil, err
	}
	key, err := r.u32()
	if err != nil {
		return nil, err
	}
	if size > 8 {
		r.skip(int64(size) - 8)
	}

	const flagComplex = 0x0001
	e := &resTableEntry{key: key}
	if flags&flagComplex != 0 {
		e.complex = true
		if _, err = r.u32(); err != nil { // parent
			return nil, err
		}
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		e.children = make(map[uint32]TypedValue, count)
		for i := uint32(0); i < count; i++ {
			nameIdx, err := r.u32()
			if err != nil {
				return e, err
			}
			val, err := parseResValue(r)
			if err != nil {
				return e, err
			}
			e.children[nameIdx] = val
		}
		return e, nil
	}

	e.value, err = parseResValue(r)
	return e, err
}

func parseResValue(r *boundedReader) (TypedValue, error) {
	var v TypedValue
	if _, err := r.u16(); err != nil { // size
		return v, err
	}
	if _, err := r.u8(); err != nil { // res0
		return v, err
	}
	t, err := r.u8()
	if err != nil {
		return v, err
	}
	data, err := r.u32()
	if err != nil {
		return v, err
	}
	v.Type = AttrType(t)
	v.Raw = data
	return v, nil
}

func utf16ToString(buf []uint16) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(utf16.Decode(buf[:n]))
}

// GetEntryEx resolves a resource id to its key name and typed value, picking
// the configuration that best matches requested (or ConfigFirst/ConfigLast
// for declaration-order selection instead of device matching).
func (t *ResourceTable) GetEntryEx(id uint32, requested *ResTableConfig) (string, TypedValue, bool) {
	pkgId := id >> 24
	typeIdx := (id >> 16) & 0xFF
	entryIdx := id & 0xFFFF

	pkg, ok := t.packages[pkgId]
	if !ok {
		return "", TypedValue{}, false
	}
	chunks, ok := pkg.types[typeIdx-1]
	if !ok || len(chunks) == 0 {
		return "", TypedValue{}, false
	}

	chunk := pickConfig(chunks, requested)
	if chunk == nil {
		return "", TypedValue{}, false
	}
	entry, ok := chunk.entries[entryIdx]
	if !ok {
		return "", TypedValue{}, false
	}

	key, _ := pkg.keyStrings.Resolve(entry.key)
	if entry.complex {
		return key, TypedValue{}, false
	}
	return key, entry.value, true
}

// GetEntry is GetEntryEx against the default (no-qualifier) configuration.
func (t *ResourceTable) GetEntry(id uint32) (string, TypedValue, bool) {
	return t.GetEntryEx(id, DefaultConfig)
}

func pickConfig(chunks []*resTypeChunk, requested *ResTableConfig) *resTypeChunk {
	if requested != nil {
		switch requested.sentinel {
		case sentinelFirst:
			best := chunks[0]
			for _, c := range chunks {
				if c.seq < best.seq {
					best = c
				}
			}
			return best
		case sentinelLast:
			best := chunks[0]
			for _, c := range chunks {
				if c.seq > best.seq {
					best = c
				}
			}
			return best
		}
	}

	var best *resTypeChunk
	for _, c := range chunks {
		if best == nil || c.config.isBetterThan(best.config, requested) {
			best = c
		}
	}
	return best
}

// Resolve follows a resource id to its final string value, chasing reference
// chains up to 8 hops (Android's own limit for circular-reference safety, §9
// design note) and falling back to the global string pool for direct string
// references into it.
func (t *ResourceTable) Resolve(id uint32, requested *ResTableConfig) (string, bool) {
	const maxHops = 8
	for hop := 0; hop < maxHops; hop++ {
		_, val, ok := t.GetEntryEx(id, requested)
		if !ok {
			return "", false
		}
		switch val.Type {
		case AttrTypeString:
			s, err := t.strings.Resolve(val.Raw)
			if err != nil {
				return "", false
			}
			return s, true
		case AttrTypeReference, AttrTypeDynReference:
			if val.Raw == 0 {
				return "", false
			}
			id = val.Raw
			continue
		default:
			return val.String(), true
		}
	}
	return "", false
}

// ConfigFirstEntry and ConfigLastEntry are documented as convenience
// wrappers; callers more commonly just pass ConfigFirst/ConfigLast to
// GetEntryEx or Resolve directly.
func (t *ResourceTable) ConfigFirstEntry(id uint32) (string, TypedValue, bool) {
	return t.GetEntryEx(id, ConfigFirst)
}

func (t *ResourceTable) ConfigLastEntry(id uint32) (string, TypedValue, bool) {
	return t.GetEntryEx(id, ConfigLast)
}
