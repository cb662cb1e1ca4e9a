package tsa

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// RFC3161 talks to a classic timestamp authority (RFC 3161 over HTTP).
// The protocol is synchronous, so Submit completes the whole exchange and
// encodes the token into the handle; Poll just unwraps it. That keeps the
// backend stateless across restarts.
type RFC3161 struct {
	endpoint string
	client   *http.Client
}

func NewRFC3161(endpoint string, client *http.Client) *RFC3161 {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RFC3161{endpoint: endpoint, client: client}
}

func (a *RFC3161) Name() string { return "rfc3161" }

var (
	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidTSTInfo         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	oidMessageDigest   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

// buildRequest DER-encodes a TimeStampReq for a sha256 imprint with
// certReq set, so the reply embeds the signing certificate.
func buildRequest(hash [32]byte) ([]byte, error) {
	var req cryptobyte.Builder
	req.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1) // version
		b.AddASN1(cbasn1.SEQUENCE, func(imprint *cryptobyte.Builder) {
			imprint.AddASN1(cbasn1.SEQUENCE, func(algo *cryptobyte.Builder) {
				algo.AddASN1ObjectIdentifier(oidSHA256)
				algo.AddASN1NULL()
			})
			imprint.AddASN1OctetString(hash[:])
		})
		b.AddASN1Boolean(true) // certReq
	})
	return req.Bytes()
}

func (a *RFC3161) Submit(ctx context.Context, hash [32]byte) (string, error) {
	der, err := buildRequest(hash)
	if err != nil {
		return "", fmt.Errorf("encode timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(der))
	if err != nil {
		return "", fmt.Errorf("build timestamp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("timestamp authority %s: %w", a.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("timestamp authority %s: status %d", a.endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read timestamp reply: %w", err)
	}

	token, err := tokenFromResponse(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(token), nil
}

func (a *RFC3161) Poll(_ context.Context, handle string) ([]byte, error) {
	token, err := base64.StdEncoding.DecodeString(handle)
	if err != nil {
		return nil, fmt.Errorf("malformed rfc3161 handle: %w", err)
	}
	return token, nil
}

// tokenFromResponse strips the PKIStatusInfo and returns the raw
// timeStampToken (a CMS ContentInfo).
func tokenFromResponse(der []byte) ([]byte, error) {
	var resp struct {
		Status asn1.RawValue
		Token  asn1.RawValue `asn1:"optional"`
	}
	if _, err := asn1.Unmarshal(der, &resp); err != nil {
		return nil, fmt.Errorf("decode timestamp reply: %w", err)
	}
	// PKIStatusInfo leads with the status INTEGER; the optional
	// statusString and failInfo that may follow don't matter here.
	var status int
	if _, err := asn1.Unmarshal(resp.Status.Bytes, &status); err != nil {
		return nil, fmt.Errorf("decode PKIStatus: %w", err)
	}
	// granted(0) or grantedWithMods(1).
	if status != 0 && status != 1 {
		return nil, fmt.Errorf("timestamp request rejected: PKIStatus %d", status)
	}
	if len(resp.Token.FullBytes) == 0 {
		return nil, fmt.Errorf("timestamp reply carries no token")
	}
	return resp.Token.FullBytes, nil
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue `asn1:"set"`
	EncapContent     encapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type encapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     []byte `asn1:"explicit,tag:0"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    algorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm algorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
}

// parseTSTInfo walks the TSTInfo sequence field by field. The fields after
// genTime (accuracy, ordering, nonce, tsa, extensions) are all optional and
// irrelevant here, so they are left unread rather than modeled.
func parseTSTInfo(der []byte) (tstInfo, error) {
	var info tstInfo
	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(der, &seq); err != nil {
		return info, err
	}
	rest := seq.Bytes
	var err error
	if rest, err = asn1.Unmarshal(rest, &info.Version); err != nil {
		return info, err
	}
	if rest, err = asn1.Unmarshal(rest, &info.Policy); err != nil {
		return info, err
	}
	if rest, err = asn1.Unmarshal(rest, &info.MessageImprint); err != nil {
		return info, err
	}
	if rest, err = asn1.Unmarshal(rest, &info.SerialNumber); err != nil {
		return info, err
	}
	if _, err = asn1.UnmarshalWithParams(rest, &info.GenTime, "generalized"); err != nil {
		return info, err
	}
	return info, nil
}

// Verify checks that the token covers the given hash and that the embedded
// certificate signed it, and returns the authority's genTime. It needs
// nothing beyond the token bytes, so a regulator can rerun it offline.
func (a *RFC3161) Verify(attestation []byte, hash [32]byte) (time.Time, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(attestation, &ci); err != nil {
		return time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return time.Time{}, fmt.Errorf("token is not CMS SignedData")
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return time.Time{}, fmt.Errorf("decode SignedData: %w", err)
	}
	if !sd.EncapContent.ContentType.Equal(oidTSTInfo) {
		return time.Time{}, fmt.Errorf("token payload is not TSTInfo")
	}

	info, err := parseTSTInfo(sd.EncapContent.Content)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode TSTInfo: %w", err)
	}
	if !info.MessageImprint.HashAlgorithm.Algorithm.Equal(oidSHA256) {
		return time.Time{}, fmt.Errorf("unsupported imprint algorithm %v", info.MessageImprint.HashAlgorithm.Algorithm)
	}
	if !bytes.Equal(info.MessageImprint.HashedMessage, hash[:]) {
		return time.Time{}, fmt.Errorf("token does not cover the submitted hash")
	}

	if err := verifySignature(sd); err != nil {
		return time.Time{}, err
	}
	return info.GenTime, nil
}

// verifySignature checks the first signer against the first embedded
// certificate. Chain validation up to a configured trust anchor belongs to
// the deployment's PKI policy, not here.
func verifySignature(sd signedData) error {
	if len(sd.SignerInfos) == 0 {
		return fmt.Errorf("token has no signers")
	}
	if len(sd.Certificates.Bytes) == 0 {
		return fmt.Errorf("token embeds no certificate (certReq was set)")
	}

	// The certificate set may carry the full chain; the signer leaf
	// comes first.
	var leaf asn1.RawValue
	if _, err := asn1.Unmarshal(sd.Certificates.Bytes, &leaf); err != nil {
		return fmt.Errorf("decode signer certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(leaf.FullBytes)
	if err != nil {
		return fmt.Errorf("parse signer certificate: %w", err)
	}

	signer := sd.SignerInfos[0]
	algo, err := signatureAlgorithm(signer.SignatureAlgorithm.Algorithm, signer.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}

	if len(signer.SignedAttrs.Bytes) > 0 {
		// The messageDigest attribute must match the eContent digest, and
		// the signature covers the signed attributes re-tagged as SET OF.
		digest := sha256.Sum256(sd.EncapContent.Content)
		if err := checkMessageDigestAttr(signer.SignedAttrs, digest[:]); err != nil {
			return err
		}
		signed := append([]byte{0x31}, signer.SignedAttrs.FullBytes[1:]...)
		if err := cert.CheckSignature(algo, signed, signer.Signature); err != nil {
			return fmt.Errorf("token signature invalid: %w", err)
		}
		return nil
	}

	if err := cert.CheckSignature(algo, sd.EncapContent.Content, signer.Signature); err != nil {
		return fmt.Errorf("token signature invalid: %w", err)
	}
	return nil
}

func signatureAlgorithm(sig, digest asn1.ObjectIdentifier) (x509.SignatureAlgorithm, error) {
	switch {
	case sig.Equal(oidSHA256WithRSA):
		return x509.SHA256WithRSA, nil
	case sig.Equal(oidRSAEncryption) && digest.Equal(oidSHA256):
		return x509.SHA256WithRSA, nil
	case sig.Equal(oidECDSAWithSHA256):
		return x509.ECDSAWithSHA256, nil
	default:
		return 0, fmt.Errorf("unsupported token signature algorithm %v", sig)
	}
}

// checkMessageDigestAttr walks the signed attributes for messageDigest and
// compares it to the computed eContent digest.
func checkMessageDigestAttr(attrs asn1.RawValue, want []byte) error {
	rest := attrs.Bytes
	for len(rest) > 0 {
		var attr struct {
			Type   asn1.ObjectIdentifier
			Values asn1.RawValue `asn1:"set"`
		}
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return fmt.Errorf("decode signed attribute: %w", err)
		}
		if !attr.Type.Equal(oidMessageDigest) {
			continue
		}
		var got []byte
		if _, err := asn1.Unmarshal(attr.Values.Bytes, &got); err != nil {
			return fmt.Errorf("decode messageDigest attribute: %w", err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("messageDigest attribute does not match token payload")
		}
		return nil
	}
	return fmt.Errorf("token signer has no messageDigest attribute")
}
