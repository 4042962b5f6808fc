package apkinfo

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// axmlFixtureBuilder assembles a minimal, well-formed binary XML stream by
// hand, mirroring the chunk layout documented in common.go's constants. It
// exists purely to give the decoder tests real bytes to parse without a
// binary APK fixture in the retrieval pack.
type axmlFixtureBuilder struct {
	strings     []string
	stringIdx   map[string]uint32
	resourceIds []uint32
	elements    bytes.Buffer // concatenated TagStart/TagEnd chunks
}

func newAxmlFixtureBuilder() *axmlFixtureBuilder {
	return &axmlFixtureBuilder{stringIdx: make(map[string]uint32)}
}

func (b *axmlFixtureBuilder) intern(s string) uint32 {
	if idx, ok := b.stringIdx[s]; ok {
		return idx
	}
	idx := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIdx[s] = idx
	return idx
}

// attrID registers a resource id (e.g. 0x01010003 for "name") and returns
// its index into the resource-map chunk, for attributes resolved by id
// rather than by string-pool name.
func (b *axmlFixtureBuilder) attrID(id uint32) uint32 {
	b.resourceIds = append(b.resourceIds, id)
	return uint32(len(b.resourceIds) - 1)
}

type fixtureAttr struct {
	namespaceIdx uint32
	nameIdx      uint32
	rawValueIdx  uint32
}

func (b *axmlFixtureBuilder) startElement(name string, attrs []fixtureAttr) {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(0xFFFFFFFF)) // namespaceIdx
	binary.Write(&body, binary.LittleEndian, b.intern(name))     // nameIdx
	binary.Write(&body, binary.LittleEndian, uint16(20))         // attrStart
	binary.Write(&body, binary.LittleEndian, uint16(20))         // attrSize
	binary.Write(&body, binary.LittleEndian, uint16(len(attrs))) // attrCount
	binary.Write(&body, binary.LittleEndian, uint16(0))          // idIndex
	binary.Write(&body, binary.LittleEndian, uint16(0))          // classIndex
	binary.Write(&body, binary.LittleEndian, uint16(0))          // styleIndex

	for _, a := range attrs {
		binary.Write(&body, binary.LittleEndian, a.namespaceIdx)
		binary.Write(&body, binary.LittleEndian, a.nameIdx)
		binary.Write(&body, binary.LittleEndian, a.rawValueIdx)
		binary.Write(&body, binary.LittleEndian, uint16(8))           // Res.Size
		binary.Write(&body, binary.LittleEndian, uint8(0))            // Res.Res0
		binary.Write(&body, binary.LittleEndian, uint8(AttrTypeString)) // Res.Type
		binary.Write(&body, binary.LittleEndian, a.rawValueIdx)        // Res.Data
	}

	b.writeChunk(chunkXmlTagStart, body.Bytes())
}

func (b *axmlFixtureBuilder) endElement(name string) {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(0xFFFFFFFF))
	binary.Write(&body, binary.LittleEndian, b.intern(name))
	b.writeChunk(chunkXmlTagEnd, body.Bytes())
}

// writeChunk prepends the generic 8-byte line-number/comment header every
// XML-flavored chunk carries, then the chunk header itself.
func (b *axmlFixtureBuilder) writeChunk(id uint16, body []byte) {
	var full bytes.Buffer
	binary.Write(&full, binary.LittleEndian, uint32(1))          // line number
	binary.Write(&full, binary.LittleEndian, uint32(0xFFFFFFFF)) // comment idx
	full.Write(body)

	var chunk bytes.Buffer
	binary.Write(&chunk, binary.LittleEndian, id)
	binary.Write(&chunk, binary.LittleEndian, uint16(chunkHeaderSize))
	binary.Write(&chunk, binary.LittleEndian, uint32(chunkHeaderSize+full.Len()))
	chunk.Write(full.Bytes())

	b.elements.Write(chunk.Bytes())
}

func (b *axmlFixtureBuilder) buildStringPool() []byte {
	return buildStringPoolChunk(b.strings)
}

// buildStringPoolChunk hand-encodes a UTF-8 string pool chunk (flags with no
// styles, no sorting) for use as a fixture in both the AXML and ARSC tests.
func buildStringPoolChunk(strs []string) []byte {
	var offsets bytes.Buffer
	var data bytes.Buffer
	for _, s := range strs {
		off := uint32(data.Len())
		binary.Write(&offsets, binary.LittleEndian, off)
		data.WriteByte(byte(len(s)))
		data.WriteByte(byte(len(s)))
		data.WriteString(s)
	}

	stringsOffset := uint32(28 + 4*len(strs))

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(len(strs))) // stringCount
	binary.Write(&body, binary.LittleEndian, uint32(0))         // styleCount
	binary.Write(&body, binary.LittleEndian, uint32(0x100))     // flags: UTF8
	binary.Write(&body, binary.LittleEndian, stringsOffset)
	binary.Write(&body, binary.LittleEndian, uint32(0)) // stylesOffset
	body.Write(offsets.Bytes())
	body.Write(data.Bytes())

	var chunk bytes.Buffer
	binary.Write(&chunk, binary.LittleEndian, uint16(chunkStringTable))
	binary.Write(&chunk, binary.LittleEndian, uint16(28))
	binary.Write(&chunk, binary.LittleEndian, uint32(chunkHeaderSize+body.Len()))
	chunk.Write(body.Bytes())
	return chunk.Bytes()
}

func (b *axmlFixtureBuilder) buildResourceIds() []byte {
	if len(b.resourceIds) == 0 {
		return nil
	}
	var body bytes.Buffer
	for _, id := range b.resourceIds {
		binary.Write(&body, binary.LittleEndian, id)
	}
	var chunk bytes.Buffer
	binary.Write(&chunk, binary.LittleEndian, uint16(chunkResourceIds))
	binary.Write(&chunk, binary.LittleEndian, uint16(chunkHeaderSize))
	binary.Write(&chunk, binary.LittleEndian, uint32(chunkHeaderSize+body.Len()))
	chunk.Write(body.Bytes())
	return chunk.Bytes()
}

func (b *axmlFixtureBuilder) bytes() []byte {
	strPool := b.buildStringPool()
	resIds := b.buildResourceIds()

	var body bytes.Buffer
	body.Write(strPool)
	body.Write(resIds)
	body.Write(b.elements.Bytes())

	var full bytes.Buffer
	binary.Write(&full, binary.LittleEndian, uint16(chunkAxmlFile))
	binary.Write(&full, binary.LittleEndian, uint16(chunkHeaderSize))
	binary.Write(&full, binary.LittleEndian, uint32(chunkHeaderSize+body.Len()))
	full.Write(body.Bytes())
	return full.Bytes()
}

func buildManifestFixture() []byte {
	b := newAxmlFixtureBuilder()
	nameAttrID := b.attrID(0x01010003)

	b.startElement("manifest", []fixtureAttr{
		{namespaceIdx: 0xFFFFFFFF, nameIdx: b.intern("package"), rawValueIdx: b.intern("com.example.app")},
	})
	b.startElement("application", nil)
	b.startElement("activity", []fixtureAttr{
		{namespaceIdx: 0xFFFFFFFF, nameIdx: nameAttrID, rawValueIdx: b.intern(".MainActivity")},
	})
	b.startElement("intent-filter", nil)
	b.startElement("action", []fixtureAttr{
		{namespaceIdx: 0xFFFFFFFF, nameIdx: nameAttrID, rawValueIdx: b.intern("android.intent.action.MAIN")},
	})
	b.endElement("action")
	b.startElement("category", []fixtureAttr{
		{namespaceIdx: 0xFFFFFFFF, nameIdx: nameAttrID, rawValueIdx: b.intern("android.intent.category.LAUNCHER")},
	})
	b.endElement("category")
	b.endElement("intent-filter")
	b.endElement("activity")
	b.endElement("application")
	b.endElement("manifest")

	return b.bytes()
}

func TestDecodeXMLBuildsTree(t *testing.T) {
	doc, err := DecodeXML(bytes.NewReader(buildManifestFixture()))
	if err != nil {
		t.Fatalf("DecodeXML: %v", err)
	}
	if doc.Root == nil || doc.Root.Name != "manifest" {
		t.Fatalf("root = %+v, want manifest", doc.Root)
	}
	pkg, ok := doc.Attribute("manifest", "package")
	if !ok || pkg != "com.example.app" {
		t.Fatalf("package attribute = %q, %v, want com.example.app, true", pkg, ok)
	}

	activities := doc.FindAll("activity")
	if len(activities) != 1 {
		t.Fatalf("len(activities) = %d, want 1", len(activities))
	}
	name, ok := activities[0].Attr("name")
	if !ok || name.Value.String() != ".MainActivity" {
		t.Fatalf("activity name = %+v, ok=%v, want .MainActivity", name, ok)
	}
	if name.Namespace != androidNs {
		t.Fatalf("activity name namespace = %q, want android ns (resolved via resource id)", name.Namespace)
	}
}

func TestMainActivityDetectionAndClassExpansion(t *testing.T) {
	doc, err := DecodeXML(bytes.NewReader(buildManifestFixture()))
	if err != nil {
		t.Fatalf("DecodeXML: %v", err)
	}
	activity := doc.FindAll("activity")[0]
	if !hasIntentFilter(activity, "android.intent.action.MAIN", "android.intent.category.LAUNCHER") {
		t.Fatalf("expected MAIN+LAUNCHER intent filter to be detected")
	}
	if got := expandClassName("com.example.app", ".MainActivity"); got != "com.example.app.MainActivity" {
		t.Fatalf("expandClassName(leading dot) = %q", got)
	}
	if got := expandClassName("com.example.app", "com.other.Activity"); got != "com.other.Activity" {
		t.Fatalf("expandClassName(fully qualified) = %q", got)
	}
	if got := expandClassName("com.example.app", "Bare"); got != "com.example.app.Bare" {
		t.Fatalf("expandClassName(bare) = %q", got)
	}
}

func TestDecodeXMLPlainTextManifestIsRejected(t *testing.T) {
	_, err := DecodeXML(bytes.NewReader([]byte("<?xml version=\"1.0\"?><manifest/>")))
	if err != ErrPlainTextManifest {
		t.Fatalf("err = %v, want ErrPlainTextManifest", err)
	}
}

func TestDecodeXMLTruncatedInputDoesNotPanic(t *testing.T) {
	full := buildManifestFixture()
	for _, cut := range []int{0, 1, 8, len(full) / 2, len(full) - 1} {
		_, _ = DecodeXML(bytes.NewReader(full[:cut])) // must not panic regardless of outcome
	}
}
