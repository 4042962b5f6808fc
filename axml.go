package apkinfo

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrPlainTextManifest is returned when a manifest file contains plaintext XML
// instead of the expected binary AXML form; some samples ship it this way.
// 2c882a2376034ed401be082a42a21f0ac837689e7d3ab6be0afb82f44ca0b859
var ErrPlainTextManifest = errors.New("xml is in plaintext, binary form expected")

const resAttrWireSize = 4 + 4 + 4 + 2 + 1 + 1 + 4 // NamespaceId, NameIdx, RawValueIdx, ResValue{Size,Res0,Type,Data}

// TypedValue is an AXML attribute's typed value, carried through unchanged
// per the data model: one of {null, reference, string, int, boolean, float,
// dimension/fraction, color}.
type TypedValue struct {
	Type AttrType
	Raw  uint32 // raw 4-byte datum; bits+unit for dimension/fraction, ARGB for color
	Str  string // populated only when Type == AttrTypeString
}

// String renders the canonical textual form of the value. Unresolved
// references render as "@0x7fXXYYYY"; resolving that into a literal or an
// archive path is the query layer's job (§4.5), not the decoder's.
func (v TypedValue) String() string {
	switch v.Type {
	case AttrTypeString:
		return v.Str
	case AttrTypeIntBool:
		return strconv.FormatBool(v.Raw != 0)
	case AttrTypeIntHex:
		return fmt.Sprintf("0x%x", v.Raw)
	case AttrTypeFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(v.Raw)), 'g', -1, 32)
	case AttrTypeReference, AttrTypeAttribute, AttrTypeDynReference:
		return fmt.Sprintf("@0x%08x", v.Raw)
	case AttrTypeNull:
		return ""
	default:
		return strconv.FormatInt(int64(int32(v.Raw)), 10)
	}
}

// IsReference reports whether the value needs resolution through the
// resource table before it is meaningful to a caller.
func (v TypedValue) IsReference() bool {
	switch v.Type {
	case AttrTypeReference, AttrTypeAttribute, AttrTypeDynReference:
		return true
	default:
		return false
	}
}

// Attribute is one qualified-name/typed-value pair on an Element.
type Attribute struct {
	Namespace string
	Name      string
	Value     TypedValue
}

// Element is a node of the decoded AXML tree (§3 "AXML tree").
type Element struct {
	Namespace string
	Name      string
	Attrs     []Attribute
	Children  []*Element
	Parent    *Element
	Text      string
}

// Attr returns the named attribute on this element, ignoring namespace: the
// AXML format never has two attributes of the same local name on an
// element in practice, and spec queries are all by local name.
func (e *Element) Attr(name string) (Attribute, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Document is the immutable, queryable result of decoding an AXML file.
type Document struct {
	Root *Element

	// all holds every element in document order, backing find_all/attribute/all_attributes.
	all []*Element
}

// FindAll returns every element with the given local name, in document order.
func (d *Document) FindAll(tag string) []*Element {
	var out []*Element
	for _, e := range d.all {
		if e.Name == tag {
			out = append(out, e)
		}
	}
	return out
}

// Attribute returns the named attribute's value on the first element matching tag.
func (d *Document) Attribute(tag, name string) (string, bool) {
	for _, e := range d.all {
		if e.Name != tag {
			continue
		}
		return e.attrValue(name)
	}
	return "", false
}

func (e *Element) attrValue(name string) (string, bool) {
	a, ok := e.Attr(name)
	if !ok {
		return "", false
	}
	return a.Value.String(), true
}

// AllAttributes returns the named attribute's value across every matching element.
func (d *Document) AllAttributes(tag, name string) []string {
	var out []string
	for _, e := range d.all {
		if e.Name != tag {
			continue
		}
		if v, ok := e.attrValue(name); ok {
			out = append(out, v)
		}
	}
	return out
}

// EncodeTo streams the decoded tree back out as an encoding/xml-shaped token
// sequence, matching the teacher's original streaming contract for callers
// (e.g. the CLI's dump subcommand) that just want an XML rendering.
func (d *Document) EncodeTo(enc ManifestEncoder) error {
	if d.Root == nil {
		return enc.Flush()
	}
	if err := encodeElement(enc, d.Root); err != nil {
		return err
	}
	return enc.Flush()
}

func encodeElement(enc ManifestEncoder, e *Element) error {
	start := xml.StartElement{Name: xml.Name{Local: e.Name, Space: e.Namespace}}
	for _, a := range e.Attrs {
		start.Attr = append(start.Attr, xml.Attr{
			Name:  xml.Name{Local: a.Name, Space: a.Namespace},
			Value: a.Value.String(),
		})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	for _, c := range e.Children {
		if err := encodeElement(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: e.Name, Space: e.Namespace}})
}

// ManifestEncoder for writing the XML data. xml.Encoder from encoding/xml matches this interface.
type ManifestEncoder interface {
	EncodeToken(t xml.Token) error
	Flush() error
}

type axmlDecoder struct {
	strings     stringPool
	resourceIds []uint32
	doc         *Document
	stack       []*Element
}

// DecodeXML parses the binary Xml format into a queryable tree. Chunk sizes
// are clamped to what remains in the declared total; unknown chunk types and
// malformed per-chunk content are skipped rather than aborting the decode,
// per the malformed-input policy.
func DecodeXML(r io.Reader) (*Document, error) {
	x := &axmlDecoder{doc: &Document{}}

	id, headerLen, totalLen, err := parseChunkHeader(r)
	if err != nil {
		return nil, newParseError(ErrKindCorrupt, 0, "reading axml header: %s", err.Error())
	}

	if (id & 0xFF) == '<' {
		// Some samples ship a plaintext manifest instead of binary AXML.
		// Reconstruct the raw first 8 bytes of the stream to sniff for it.
		raw := [8]byte{
			byte(id), byte(id >> 8),
			byte(headerLen), byte(headerLen >> 8),
			byte(totalLen), byte(totalLen >> 8), byte(totalLen >> 16), byte(totalLen >> 24),
		}
		if s := string(raw[:]); strings.HasPrefix(s, "<?xml ") || strings.HasPrefix(s, "<manif") {
			return nil, ErrPlainTextManifest
		}
	}

	if totalLen <= chunkHeaderSize {
		return nil, newParseError(ErrKindCorrupt, 0, "axml declared length %d too small", totalLen)
	}
	remaining := int64(totalLen - chunkHeaderSize)

	var truncated error
	var off int64
	for remaining > 0 {
		cid, _, clen, herr := parseChunkHeader(r)
		if herr != nil {
			truncated = newParseError(ErrKindTruncated, off, "reading chunk header: %s", herr.Error())
			break
		}
		if clen < chunkHeaderSize {
			truncated = newParseError(ErrKindTruncated, off, "chunk declared length %d too small", clen)
			break
		}

		consumed := int64(clen)
		if consumed > remaining {
			consumed = remaining // clamp to min(declared, remaining)
		}
		body := consumed - chunkHeaderSize
		lm := newBoundedReader(r, body, body)

		switch cid {
		case chunkStringTable:
			x.strings, err = parsePool(lm.LimitedReader)
		case chunkResourceIds:
			err = x.parseResourceIds(lm)
		default:
			if cid&chunkMaskXml != 0 {
				lm.skip(8) // line number + 0xFFFFFFFF comment index, not modeled
				switch cid {
				case chunkXmlTagStart:
					err = x.parseTagStart(lm)
				case chunkXmlTagEnd:
					err = x.parseTagEnd(lm)
				case chunkXmlText:
					err = x.parseText(lm)
				default:
					// start/end-namespace and anything else XML-flavored: no-op
				}
			}
			// unknown, non-XML chunk types are silently skipped
		}
		_ = err // parser-local recovery: a broken chunk just contributes nothing
		lm.drain()

		off += consumed
		remaining -= consumed
		if consumed == 0 {
			break // guard against a zero-length chunk looping forever
		}
	}

	if x.doc.Root == nil {
		return nil, newParseError(ErrKindCorrupt, 0, "no root element decoded")
	}
	if truncated != nil {
		return x.doc, truncated
	}
	return x.doc, nil
}

// DecodeXMLBytes is DecodeXML over an in-memory buffer, for callers that
// already have the manifest entry's bytes (e.g. the CLI's dump subcommand).
func DecodeXMLBytes(data []byte) (*Document, error) {
	return DecodeXML(bytes.NewReader(data))
}

func (x *axmlDecoder) parseResourceIds(r *boundedReader) error {
	if (r.N % 4) != 0 {
		return fmt.Errorf("invalid resource map chunk size")
	}
	count := r.N / 4
	for i := int64(0); i < count; i++ {
		id, err := r.u32()
		if err != nil {
			return err
		}
		x.resourceIds = append(x.resourceIds, id)
	}
	return nil
}

func (x *axmlDecoder) currentParent() *Element {
	if len(x.stack) == 0 {
		return nil
	}
	return x.stack[len(x.stack)-1]
}

func (x *axmlDecoder) parseTagStart(r *boundedReader) error {
	namespaceIdx, err := r.u32()
	if err != nil {
		return err
	}
	nameIdx, err := r.u32()
	if err != nil {
		return err
	}
	if _, err := r.u16(); err != nil { // attrStart, unused
		return err
	}
	attrSize, err := r.u16()
	if err != nil {
		return err
	}
	attrCount, err := r.u16()
	if err != nil {
		return err
	}
	if err := r.skip(2 * 3); err != nil { // idIndex, classIndex, styleIndex
		return err
	}

	namespace, _ := x.strings.Resolve(namespaceIdx)
	name, err := x.strings.Resolve(nameIdx)
	if err != nil {
		return fmt.Errorf("decoding element name: %s", err.Error())
	}

	el := &Element{Namespace: namespace, Name: name, Parent: x.currentParent()}
	if el.Parent == nil {
		if x.doc.Root == nil {
			x.doc.Root = el
		}
	} else {
		el.Parent.Children = append(el.Parent.Children, el)
	}
	x.doc.all = append(x.doc.all, el)
	x.stack = append(x.stack, el)

	for i := uint16(0); i < attrCount; i++ {
		attr, err := x.readAttr(r, attrSize, name)
		if err != nil {
			// A broken attribute is dropped rather than failing the whole element.
			continue
		}
		el.Attrs = append(el.Attrs, attr)
	}
	return nil
}

// readAttr mirrors the teacher's attribute-name recovery: Android resolves
// android: attribute names purely by resource id (frameworks/base/core/res
// attrs_manifest.xml / the generated R class), falling back to the string
// pool only when the id table doesn't have it, except for "package" and
// "platformBuildVersion*" on the root <manifest> element which must always
// come from the string pool.
func (x *axmlDecoder) readAttr(r *boundedReader, attrSize uint16, elementName string) (Attribute, error) {
	var a resAttr
	var err error
	if a.NamespaceId, err = r.u32(); err != nil {
		return Attribute{}, err
	}
	if a.NameIdx, err = r.u32(); err != nil {
		return Attribute{}, err
	}
	if a.RawValueIdx, err = r.u32(); err != nil {
		return Attribute{}, err
	}
	if a.Res.Size, err = r.u16(); err != nil {
		return Attribute{}, err
	}
	if a.Res.Res0, err = r.u8(); err != nil {
		return Attribute{}, err
	}
	var t uint8
	if t, err = r.u8(); err != nil {
		return Attribute{}, err
	}
	a.Res.Type = AttrType(t)
	if a.Res.Data, err = r.u32(); err != nil {
		return Attribute{}, err
	}
	if int64(attrSize) > resAttrWireSize {
		r.skip(int64(attrSize) - resAttrWireSize)
	}

	var attrName string
	if a.NameIdx < uint32(len(x.resourceIds)) {
		attrName = getAttributteName(x.resourceIds[a.NameIdx])
	}

	var fromStrings string
	if attrName == "" || elementName == "manifest" {
		fromStrings, err = x.strings.Resolve(a.NameIdx)
		if err != nil {
			if attrName == "" {
				return Attribute{}, fmt.Errorf("decoding attribute name: %s", err.Error())
			}
		} else if attrName != "" && fromStrings != "package" && !strings.HasPrefix(fromStrings, "platformBuildVersion") {
			fromStrings = ""
		}
	}

	attrNamespace, err := x.strings.Resolve(a.NamespaceId)
	if err != nil {
		return Attribute{}, fmt.Errorf("decoding attribute namespace: %s", err.Error())
	}

	if fromStrings != "" {
		attrName = fromStrings
	} else if attrNamespace == "" {
		attrNamespace = "http://schemas.android.com/apk/res/android"
	}

	attr := Attribute{Namespace: attrNamespace, Name: attrName}

	switch a.Res.Type {
	case AttrTypeString:
		attr.Value.Type = AttrTypeString
		attr.Value.Str, err = x.strings.Resolve(a.RawValueIdx)
		if err != nil {
			return Attribute{}, fmt.Errorf("decoding attribute string value: %s", err.Error())
		}
	default:
		attr.Value.Type = a.Res.Type
		attr.Value.Raw = a.Res.Data
	}
	return attr, nil
}

func (x *axmlDecoder) parseTagEnd(r *boundedReader) error {
	if _, err := r.u32(); err != nil { // namespace idx, unused for popping
		return err
	}
	if _, err := r.u32(); err != nil { // name idx, unused for popping
		return err
	}
	if len(x.stack) > 0 {
		x.stack = x.stack[:len(x.stack)-1]
	}
	return nil
}

func (x *axmlDecoder) parseText(r *boundedReader) error {
	idx, err := r.u32()
	if err != nil {
		return err
	}
	text, err := x.strings.Resolve(idx)
	if err != nil {
		return fmt.Errorf("decoding text: %s", err.Error())
	}
	if err := r.skip(2 * 4); err != nil { // typed-value block, ignored for CDATA
		return err
	}
	if p := x.currentParent(); p != nil {
		p.Text += text
	}
	return nil
}
