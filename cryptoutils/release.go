package cryptoutils

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// AttestedKeyRelease performs one attested key release: it draws a fresh
// nonce, binds the key id and nonce into the quote's report data, and
// presents the quote to the custodian. Used by both stages; the released
// key is owned by the caller, which must zero it before returning.
func AttestedKeyRelease(ctx context.Context, kc interfaces.KeyCustodian, provider AttestationProvider, id interfaces.KeyID) ([]byte, error) {
	var nonce [32]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate release nonce: %w", err)
	}

	reportData := interfaces.KeyReportData(id, nonce)
	quote, err := provider.Attest(reportData)
	if err != nil {
		return nil, fmt.Errorf("failed to produce attestation quote: %w", err)
	}

	return kc.ReleaseKey(ctx, id, interfaces.AttestationEvidence{
		Type:       provider.AttestationType().StringID,
		Quote:      quote,
		ReportData: reportData,
	})
}
