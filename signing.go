package apkinfo

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"go.mozilla.org/pkcs7"
)

// SignatureScheme identifies which APK signing scheme produced a Signature.
type SignatureScheme int

const (
	SchemeUnknown SignatureScheme = iota
	SchemeV1
	SchemeV2
	SchemeV3
	SchemeV31
	SchemeSourceStampV1
	SchemeSourceStampV2
	SchemeApkChannelBlock
)

func (s SignatureScheme) String() string {
	switch s {
	case SchemeV1:
		return "v1"
	case SchemeV2:
		return "v2"
	case SchemeV3:
		return "v3"
	case SchemeV31:
		return "v3.1"
	case SchemeSourceStampV1:
		return "source-stamp-v1"
	case SchemeSourceStampV2:
		return "source-stamp-v2"
	case SchemeApkChannelBlock:
		return "apk-channel-block"
	default:
		return "unknown"
	}
}

const apkSigBlockMagic = "APK Sig Block 42"

// Signing block ID-value pair IDs, per the APK Signing Block format
// (source.android.com/docs/security/features/apksigning/v2).
const (
	idSignatureV2       = 0x7109871a
	idSignatureV3       = 0xf05368c0
	idSignatureV31      = 0x1b93ad61
	idSourceStampV1     = 0x2b09b68d
	idSourceStampV2     = 0x6dff800d
	idApkChannelBlock   = 0x4b69130d
	idDependencyInfo    = 0x504b4453
	idPaddingBlock      = 0x42726577
)

// CertInfo is a decoded X.509 signing certificate, reduced to the fields
// callers of an APK inspector actually want: identity and fingerprints, not
// a full certificate chain validator.
type CertInfo struct {
	Raw       []byte
	Subject   string // RFC 4514 distinguished name
	Issuer    string
	Md5       string
	Sha1      string
	Sha256    string
	ValidFrom time.Time
	ValidTo   time.Time
}

// Fill populates c from a parsed X.509 certificate.
func (c *CertInfo) Fill(cert *x509.Certificate) {
	c.Raw = cert.Raw
	md5sum := md5.Sum(cert.Raw)
	sha1sum := sha1.Sum(cert.Raw)
	sha256sum := sha256.Sum256(cert.Raw)
	c.Md5 = hex.EncodeToString(md5sum[:])
	c.Sha1 = hex.EncodeToString(sha1sum[:])
	c.Sha256 = hex.EncodeToString(sha256sum[:])
	c.Subject = cert.Subject.String()
	c.Issuer = cert.Issuer.String()
	c.ValidFrom = cert.NotBefore
	c.ValidTo = cert.NotAfter
}

// Signature is one signer record recovered from the APK: either a v2/v3/v3.1
// signing-block signer, a v1 JAR signer, or a source-stamp signer.
type Signature struct {
	Scheme        SignatureScheme
	Certs         []*CertInfo
	MinSdkVersion uint32 // v3/v3.1 only
	MaxSdkVersion uint32 // v3/v3.1 only
	Payload       []byte // ApkChannelBlock only: the free-form channel payload
}

// SigningBlockResult is everything ParseSigningBlock recovers from the APK
// Signing Block: the signer records found (an APK channel block appears
// among them as a Signature carrying its Payload), plus the value of every
// pair whose ID is not recognized (unreserved IDs like Google Play
// Frosting's are not modeled explicitly; they surface as raw pairs here).
// v1 JAR signatures are not part of it; GetSignatures adds those.
type SigningBlockResult struct {
	Signatures []*Signature
	RawPairs   map[uint32][]byte // ids not recognized above, by id
}

// PickBestCert returns the first certificate of the highest-priority
// signature present, matching the notion of "the" signing certificate a
// device would trust: v3.1 > v3 > v2 > v1 > source stamp.
func PickBestCert(sigs []*Signature) *CertInfo {
	priority := []SignatureScheme{SchemeV31, SchemeV3, SchemeV2, SchemeV1, SchemeSourceStampV2, SchemeSourceStampV1}
	for _, want := range priority {
		for _, s := range sigs {
			if s.Scheme == want && len(s.Certs) > 0 {
				return s.Certs[0]
			}
		}
	}
	return nil
}

// ParseSigningBlock locates and decodes the APK Signing Block (v2/v3/v3.1,
// source stamp) sitting between the last ZIP entry and the central
// directory. It does not verify any signature, only extracts certificates
// and scheme metadata (§4.4 Non-goals).
func ParseSigningBlock(ra io.ReaderAt, size int64) (*SigningBlockResult, error) {
	cdOffset, err := findCentralDirectoryOffset(ra, size)
	if err != nil {
		return nil, newParseError(ErrKindEntryNotFound, -1, "locating central directory: %s", err.Error())
	}

	pairs, blockStart, err := locateSigningBlock(ra, cdOffset)
	if err != nil {
		return nil, err
	}
	_ = blockStart

	res := &SigningBlockResult{RawPairs: make(map[uint32][]byte)}
	c := &cursor{b: pairs}
	for c.remaining() > 0 {
		entryLen, err := c.u64()
		if err != nil {
			break
		}
		if entryLen < 4 || int64(entryLen) > int64(c.remaining()) {
			break
		}
		entry, err := c.bytes(int(entryLen))
		if err != nil {
			break
		}
		ec := &cursor{b: entry}
		id, _ := ec.u32()
		value := entry[4:]

		switch id {
		case idSignatureV2:
			sigs, perr := parseV2Signers(value, SchemeV2)
			if perr == nil {
				res.Signatures = append(res.Signatures, sigs...)
			}
		case idSignatureV3:
			sigs, perr := parseV3Signers(value, SchemeV3)
			if perr == nil {
				res.Signatures = append(res.Signatures, sigs...)
			}
		case idSignatureV31:
			sigs, perr := parseV3Signers(value, SchemeV31)
			if perr == nil {
				res.Signatures = append(res.Signatures, sigs...)
			}
		case idSourceStampV1, idSourceStampV2:
			scheme := SchemeSourceStampV1
			if id == idSourceStampV2 {
				scheme = SchemeSourceStampV2
			}
			if cert, perr := parseSourceStampCert(value); perr == nil {
				res.Signatures = append(res.Signatures, &Signature{Scheme: scheme, Certs: []*CertInfo{cert}})
			}
		case idApkChannelBlock:
			// Vendor channel blocks (e.g. Chinese app-store distribution
			// tagging) carry a free-form byte/string payload, not a signer.
			payload := make([]byte, len(value))
			copy(payload, value)
			res.Signatures = append(res.Signatures, &Signature{Scheme: SchemeApkChannelBlock, Payload: payload})
		case idPaddingBlock, idDependencyInfo:
			// known but not exposed: padding is filler, dependency info is
			// build metadata unrelated to signing identity.
		default:
			res.RawPairs[id] = value
		}
	}

	return res, nil
}

func findCentralDirectoryOffset(ra io.ReaderAt, size int64) (int64, error) {
	maxScan := int64(22 + 65536)
	if maxScan > size {
		maxScan = size
	}
	buf := make([]byte, maxScan)
	if _, err := ra.ReadAt(buf, size-maxScan); err != nil && err != io.EOF {
		return 0, err
	}

	sig := []byte{0x50, 0x4B, 0x05, 0x06}
	for i := len(buf) - 22; i >= 0; i-- {
		if bytes.Equal(buf[i:i+4], sig) {
			return int64(binary.LittleEndian.Uint32(buf[i+16 : i+20])), nil
		}
	}
	return 0, errors.New("no end-of-central-directory record found")
}

func locateSigningBlock(ra io.ReaderAt, cdOffset int64) (pairs []byte, blockStart int64, err error) {
	if cdOffset < 24 {
		return nil, 0, newParseError(ErrKindBadContainer, -1, "central directory offset too small for a signing block")
	}
	footer := make([]byte, 24)
	if _, rerr := ra.ReadAt(footer, cdOffset-24); rerr != nil {
		return nil, 0, newParseError(ErrKindCorrupt, cdOffset-24, "reading signing block footer: %s", rerr.Error())
	}
	if string(footer[8:]) != apkSigBlockMagic {
		return nil, 0, newParseError(ErrKindEntryNotFound, cdOffset-24, "no APK Signing Block magic present")
	}

	blockSize := int64(binary.LittleEndian.Uint64(footer[:8]))
	blockStart = cdOffset - blockSize - 8
	if blockStart < 0 || blockSize < 24 {
		return nil, 0, newParseError(ErrKindCorrupt, blockStart, "signing block size %d is implausible", blockSize)
	}

	buf := make([]byte, blockSize+8)
	if _, rerr := ra.ReadAt(buf, blockStart); rerr != nil {
		return nil, 0, newParseError(ErrKindTruncated, blockStart, "reading signing block: %s", rerr.Error())
	}
	if declared := int64(binary.LittleEndian.Uint64(buf[:8])); declared != blockSize {
		return nil, 0, newParseError(ErrKindCorrupt, blockStart, "signing block size mismatch: %d vs %d", declared, blockSize)
	}

	return buf[8 : len(buf)-24], blockStart, nil
}

// parseV2Signers decodes the "sequence of signers" payload shared by the v2
// signature scheme ID.
func parseV2Signers(value []byte, scheme SignatureScheme) ([]*Signature, error) {
	c := &cursor{b: value}
	seq, err := c.lenPrefixed()
	if err != nil {
		return nil, err
	}
	return decodeSignerSequence(seq, scheme, false)
}

// parseV3Signers decodes the v3/v3.1 "sequence of signers" payload, which
// additionally carries min/max SDK version per signer.
func parseV3Signers(value []byte, scheme SignatureScheme) ([]*Signature, error) {
	c := &cursor{b: value}
	seq, err := c.lenPrefixed()
	if err != nil {
		return nil, err
	}
	return decodeSignerSequence(seq, scheme, true)
}

func decodeSignerSequence(seq []byte, scheme SignatureScheme, v3 bool) ([]*Signature, error) {
	var out []*Signature
	c := &cursor{b: seq}
	for c.remaining() > 0 {
		signer, err := c.lenPrefixed()
		if err != nil {
			break
		}
		sig, err := decodeSigner(signer, scheme, v3)
		if err == nil {
			out = append(out, sig)
		}
	}
	return out, nil
}

func decodeSigner(signer []byte, scheme SignatureScheme, v3 bool) (*Signature, error) {
	sc := &cursor{b: signer}
	signedData, err := sc.lenPrefixed()
	if err != nil {
		return nil, err
	}

	sig := &Signature{Scheme: scheme}
	if v3 {
		if sig.MinSdkVersion, err = sc.u32(); err != nil {
			return nil, err
		}
		if sig.MaxSdkVersion, err = sc.u32(); err != nil {
			return nil, err
		}
	}
	// remaining signer fields (signatures, public key) are not needed to
	// report certificate identity, so they're left unread.

	dc := &cursor{b: signedData}
	digests, err := dc.lenPrefixed()
	_ = digests
	if err != nil {
		return nil, err
	}
	certSeq, err := dc.lenPrefixed()
	if err != nil {
		return nil, err
	}

	cc := &cursor{b: certSeq}
	for cc.remaining() > 0 {
		der, err := cc.lenPrefixed()
		if err != nil {
			break
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		ci := &CertInfo{}
		ci.Fill(cert)
		sig.Certs = append(sig.Certs, ci)
	}

	return sig, nil
}

func parseSourceStampCert(value []byte) (*CertInfo, error) {
	c := &cursor{b: value}
	der, err := c.lenPrefixed()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	ci := &CertInfo{}
	ci.Fill(cert)
	return ci, nil
}

// ParseV1Signatures extracts JAR (v1) signing certificates from
// META-INF/*.RSA|*.DSA|*.EC entries via PKCS#7, one Signature per signer
// file. This is the only way signing identity is available on APKs built
// without the v2+ signing block.
func ParseV1Signatures(zr *ZipReader) []*Signature {
	var out []*Signature
	for _, name := range zr.Namelist() {
		if !isJarSignatureFile(name) {
			continue
		}
		data, err := zr.Read(name, 16<<20)
		if err != nil {
			continue
		}
		p7, err := pkcs7.Parse(data)
		if err != nil {
			continue
		}
		sig := &Signature{Scheme: SchemeV1}
		for _, cert := range p7.Certificates {
			ci := &CertInfo{}
			ci.Fill(cert)
			sig.Certs = append(sig.Certs, ci)
		}
		if len(sig.Certs) > 0 {
			out = append(out, sig)
		}
	}
	return out
}

func isJarSignatureFile(name string) bool {
	for _, suffix := range []string{".RSA", ".DSA", ".EC"} {
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix &&
			len(name) > len("META-INF/") && name[:len("META-INF/")] == "META-INF/" {
			return true
		}
	}
	return false
}

// cursor is a bounds-checked, random-access byte cursor used to decode the
// nested length-prefixed records inside a signing block entry without ever
// slicing past what was actually received.
type cursor struct {
	b []byte
	i int
}

func (c *cursor) remaining() int { return len(c.b) - c.i }

func (c *cursor) u32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(c.b[c.i:])
	c.i += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if c.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(c.b[c.i:])
	c.i += 8
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	v := c.b[c.i : c.i+n]
	c.i += n
	return v, nil
}

// lenPrefixed reads a uint32 byte length followed by that many bytes.
func (c *cursor) lenPrefixed() ([]byte, error) {
	n, err := c.u32()
	if err != nil {
		return nil, err
	}
	return c.bytes(int(n))
}
