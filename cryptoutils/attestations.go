package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

var (
	DCAPAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 1},
		StringID: "qemu-tdx",
	}

	DummyAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 404},
		StringID: "dummy",
	}
)

type AttestationType struct {
	OID      asn1.ObjectIdentifier
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

// AttestationProvider produces quotes over report data. Each attested
// stage holds one and uses it to prove its identity to the key custodian.
type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// RemoteAttestationProvider fetches quotes from a local quote service,
// for deployments where the enclave runtime exposes quoting over HTTP.
type RemoteAttestationProvider struct {
	Address string
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPAttestationProvider generates TDX quotes on the local platform.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyAttestationProvider emits unsigned quotes carrying a fixed identity.
// Development and testing only: the matching verifier trusts the claimed
// identity without a hardware root.
type DummyAttestationProvider struct {
	Identity interfaces.TEEIdentity
}

func (DummyAttestationProvider) AttestationType() AttestationType { return DummyAttestation }

func (p DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy|%s|%s", p.Identity, hex.EncodeToString(reportData[:]))), nil
}

// DummyAttestationVerifier accepts quotes from DummyAttestationProvider.
type DummyAttestationVerifier struct{}

// Verify implements interfaces.AttestationVerifier.
func (DummyAttestationVerifier) Verify(evidence interfaces.AttestationEvidence) (interfaces.TEEIdentity, error) {
	parts := strings.Split(string(evidence.Quote), "|")
	if len(parts) != 3 || parts[0] != "dummy" {
		return interfaces.TEEIdentity{}, fmt.Errorf("%w: malformed dummy quote", interfaces.ErrKeyReleaseDenied)
	}

	identityBytes, err := hex.DecodeString(parts[1])
	if err != nil || len(identityBytes) != 32 {
		return interfaces.TEEIdentity{}, fmt.Errorf("%w: malformed dummy identity", interfaces.ErrKeyReleaseDenied)
	}

	if parts[2] != hex.EncodeToString(evidence.ReportData[:]) {
		return interfaces.TEEIdentity{}, fmt.Errorf("%w: report data mismatch", interfaces.ErrKeyReleaseDenied)
	}

	var identity interfaces.TEEIdentity
	copy(identity[:], identityBytes)
	return identity, nil
}

// DCAPAttestationVerifier validates TDX quotes and maps their measurement
// registers to a stage identity.
type DCAPAttestationVerifier struct{}

// Verify implements interfaces.AttestationVerifier.
func (DCAPAttestationVerifier) Verify(evidence interfaces.AttestationEvidence) (interfaces.TEEIdentity, error) {
	measurements, err := VerifyDCAPAttestation(evidence.ReportData, evidence.Quote)
	if err != nil {
		return interfaces.TEEIdentity{}, fmt.Errorf("%w: %v", interfaces.ErrKeyReleaseDenied, err)
	}

	return ComputeDCAPIdentity(measurements), nil
}

// ComputeDCAPIdentity hashes the ordered measurement registers into the
// stage identity pinned by custody policy.
func ComputeDCAPIdentity(measurements map[int]string) interfaces.TEEIdentity {
	h := sha256.New()
	for register := 0; register < 8; register++ {
		value, ok := measurements[register]
		if !ok {
			continue
		}
		h.Write([]byte(value))
	}

	var identity interfaces.TEEIdentity
	copy(identity[:], h.Sum(nil))
	return identity
}

// VerifyDCAPAttestation checks a raw TDX quote against the expected report
// data and returns the quote's measurement registers.
func VerifyDCAPAttestation(reportData [64]byte, report []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, err := func() (*tdx_pb.QuoteV4, error) {
		switch q := protoQuote.(type) {
		case *tdx_pb.QuoteV4:
			return q, nil
		default:
			return nil, fmt.Errorf("unsupported quote type: %T", q)
		}
	}()
	if err != nil {
		return nil, err
	}

	options := verify.DefaultOptions()
	err = verify.TdxQuote(protoQuote, options)
	if err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	measurements := map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}

	return measurements, nil
}
