package apkinfo

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"
)

func mustSelfSignedCert(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2034, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return der
}

// putLenPrefixed appends a uint32 length prefix followed by b.
func putLenPrefixed(dst []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

// buildSignerBlob assembles one v2/v3-style signer record: length-prefixed
// signed-data (digests + certificates), an empty signatures block, empty
// public key, and — for v3 — min/max SDK fields between signed-data and
// signatures.
func buildSignerBlob(certs [][]byte, v3 bool, minSdk, maxSdk uint32) []byte {
	var certSeq []byte
	for _, c := range certs {
		certSeq = putLenPrefixed(certSeq, c)
	}

	var signedData []byte
	signedData = putLenPrefixed(signedData, nil)    // digests: empty
	signedData = putLenPrefixed(signedData, certSeq) // certificates

	var signer []byte
	signer = putLenPrefixed(signer, signedData)
	if v3 {
		var sdk [8]byte
		binary.LittleEndian.PutUint32(sdk[:4], minSdk)
		binary.LittleEndian.PutUint32(sdk[4:], maxSdk)
		signer = append(signer, sdk[:]...)
	}
	signer = putLenPrefixed(signer, nil) // signatures: empty
	signer = putLenPrefixed(signer, nil) // public key: empty
	return signer
}

func buildSignersSequenceValue(signers ...[]byte) []byte {
	var seq []byte
	for _, s := range signers {
		seq = putLenPrefixed(seq, s)
	}
	return putLenPrefixed(nil, seq)
}

func TestParseV2SignersExtractsCertificates(t *testing.T) {
	der := mustSelfSignedCert(t, "v2.example")
	value := buildSignersSequenceValue(buildSignerBlob([][]byte{der}, false, 0, 0))

	sigs, err := parseV2Signers(value, SchemeV2)
	if err != nil {
		t.Fatalf("parseV2Signers: %v", err)
	}
	if len(sigs) != 1 || len(sigs[0].Certs) != 1 {
		t.Fatalf("sigs = %+v, want one signer with one cert", sigs)
	}
	if sigs[0].Certs[0].Subject != "CN=v2.example" {
		t.Fatalf("Subject = %q, want CN=v2.example", sigs[0].Certs[0].Subject)
	}
	if sigs[0].Certs[0].Sha256 == "" {
		t.Fatalf("expected a non-empty SHA-256 fingerprint")
	}
}

func TestParseV3SignersCarriesSdkRangeAndMultipleCerts(t *testing.T) {
	der1 := mustSelfSignedCert(t, "v3.one")
	der2 := mustSelfSignedCert(t, "v3.two")
	value := buildSignersSequenceValue(buildSignerBlob([][]byte{der1, der2}, true, 24, 33))

	sigs, err := parseV3Signers(value, SchemeV31)
	if err != nil {
		t.Fatalf("parseV3Signers: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("len(sigs) = %d, want 1", len(sigs))
	}
	if sigs[0].MinSdkVersion != 24 || sigs[0].MaxSdkVersion != 33 {
		t.Fatalf("sdk range = %d..%d, want 24..33", sigs[0].MinSdkVersion, sigs[0].MaxSdkVersion)
	}
	if len(sigs[0].Certs) != 2 {
		t.Fatalf("len(Certs) = %d, want 2, in signer-declaration order", len(sigs[0].Certs))
	}
	if sigs[0].Certs[0].Subject != "CN=v3.one" || sigs[0].Certs[1].Subject != "CN=v3.two" {
		t.Fatalf("cert order = %q, %q, want v3.one then v3.two", sigs[0].Certs[0].Subject, sigs[0].Certs[1].Subject)
	}
}

func TestPickBestCertPrefersHighestScheme(t *testing.T) {
	v1 := &Signature{Scheme: SchemeV1, Certs: []*CertInfo{{Subject: "CN=v1"}}}
	v3 := &Signature{Scheme: SchemeV3, Certs: []*CertInfo{{Subject: "CN=v3"}}}
	stamp := &Signature{Scheme: SchemeSourceStampV2, Certs: []*CertInfo{{Subject: "CN=stamp"}}}

	best := PickBestCert([]*Signature{v1, stamp, v3})
	if best == nil || best.Subject != "CN=v3" {
		t.Fatalf("PickBestCert = %+v, want CN=v3", best)
	}
}

func TestCursorRejectsTruncatedLengthPrefix(t *testing.T) {
	c := &cursor{b: []byte{0x05, 0x00, 0x00, 0x00, 0x01, 0x02}} // declares 5 bytes, only 2 present
	if _, err := c.lenPrefixed(); err == nil {
		t.Fatalf("expected an error reading past the end of a short buffer")
	}
}
