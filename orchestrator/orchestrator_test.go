package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnat-protocol/tee-asset-execution-backend/cryptoutils"
	"github.com/dnat-protocol/tee-asset-execution-backend/custodian"
	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
	"github.com/dnat-protocol/tee-asset-execution-backend/ledger"
	"github.com/dnat-protocol/tee-asset-execution-backend/stages/execute"
	"github.com/dnat-protocol/tee-asset-execution-backend/stages/reencrypt"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	reencryptIdentity = interfaces.TEEIdentity{1}
	executeIdentity   = interfaces.TEEIdentity{2}
)

// fakeStore is an in-memory asset store. failures makes the next N fetches
// fail with a transient error.
type fakeStore struct {
	mu       sync.Mutex
	content  map[interfaces.ContentID][]byte
	failures int
	fetches  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{content: make(map[interfaces.ContentID][]byte)}
}

func (s *fakeStore) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("%w: transient", interfaces.ErrBackendUnavailable)
	}

	data, ok := s.content[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, id)
	}
	return data, nil
}

func (s *fakeStore) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := interfaces.ComputeID(data)
	s.content[id] = data
	return id, nil
}

func (s *fakeStore) Available(ctx context.Context) bool { return true }
func (s *fakeStore) Name() string                       { return "fake" }
func (s *fakeStore) LocationURI() string                { return "fake://" }

type env struct {
	orchestrator *Orchestrator
	ledger       *ledger.Ledger
	store        *fakeStore
	stage1       ReencryptionStage
	requester    interfaces.AccountAddress
	seal         func(owner interfaces.AccountAddress, kind interfaces.AssetKind, plaintext []byte, price int64, whitelist *types.Bloom) uint64

	datasetID     uint64
	applicationID uint64
}

// newEnv assembles the full pipeline: real ledger, custodian and both
// stages over an in-memory asset store, with a runtime that reports the
// input sizes.
func newEnv(t *testing.T) *env {
	t.Helper()

	kc := custodian.New(map[string]interfaces.AttestationVerifier{
		cryptoutils.DummyAttestation.StringID: cryptoutils.DummyAttestationVerifier{},
	}, testLog)

	l, err := ledger.New(nil, testLog)
	require.NoError(t, err)

	store := newFakeStore()
	e := &env{
		ledger:    l,
		store:     store,
		requester: interfaces.AccountAddress{0xaa},
	}

	e.seal = func(owner interfaces.AccountAddress, kind interfaces.AssetKind, plaintext []byte, price int64, whitelist *types.Bloom) uint64 {
		key, err := cryptoutils.GenerateKey()
		require.NoError(t, err)
		envelope, err := cryptoutils.SealAsset(key, plaintext, nil)
		require.NoError(t, err)

		ref, err := store.Store(context.Background(), envelope, interfaces.CiphertextType)
		require.NoError(t, err)
		require.NoError(t, kc.Provision(context.Background(), interfaces.KeyIDForCipherRef(ref), key, interfaces.AttestationPolicy{
			AllowedIdentities: []interfaces.TEEIdentity{reencryptIdentity},
		}))

		id, err := l.RegisterAsset(owner, kind, ref, interfaces.ComputeID([]byte("manifest")),
			interfaces.ComputeDigest(plaintext), big.NewInt(price), whitelist)
		require.NoError(t, err)
		return id
	}

	e.datasetID = e.seal(interfaces.AccountAddress{0xbb}, interfaces.Dataset, []byte("dataset plaintext"), 10, nil)
	e.applicationID = e.seal(interfaces.AccountAddress{0xcc}, interfaces.Application, []byte("application bytecode"), 5, nil)

	require.NoError(t, l.Deposit(e.requester, big.NewInt(100)))
	_, err = l.PurchaseAccess(e.requester, e.datasetID, e.applicationID, big.NewInt(15))
	require.NoError(t, err)

	stage1, err := reencrypt.New(kc, cryptoutils.DummyAttestationProvider{Identity: reencryptIdentity},
		[]interfaces.TEEIdentity{executeIdentity}, time.Minute, testLog)
	require.NoError(t, err)
	e.stage1 = stage1

	runtime := execute.RuntimeFunc(func(ctx context.Context, input *execute.Input) ([]byte, error) {
		return []byte(fmt.Sprintf("dataset=%d application=%d", len(input.Dataset), len(input.Application))), nil
	})
	stage2 := execute.New(l, kc, cryptoutils.DummyAttestationProvider{Identity: executeIdentity},
		runtime, time.Minute, testLog)

	e.orchestrator = New(l, store, stage1, stage2, time.Minute, testLog)
	return e
}

func (e *env) request() *Request {
	return &Request{
		Requester:     e.requester,
		DatasetID:     e.datasetID,
		ApplicationID: e.applicationID,
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	e := newEnv(t)

	result, err := e.orchestrator.Execute(context.Background(), e.request())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Equal(t, []byte("dataset=17 application=20"), result.Output)
	assert.NotZero(t, result.ExecutionID)
	assert.False(t, result.Timestamp.IsZero())
}

func TestExecuteEachRunGetsFreshExecutionID(t *testing.T) {
	e := newEnv(t)

	first, err := e.orchestrator.Execute(context.Background(), e.request())
	require.NoError(t, err)
	second, err := e.orchestrator.Execute(context.Background(), e.request())
	require.NoError(t, err)

	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
}

func TestExecuteRejectsZeroIDs(t *testing.T) {
	e := newEnv(t)

	req := e.request()
	req.DatasetID = 0

	result, err := e.orchestrator.Execute(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
	assert.False(t, result.Success)
	assert.Equal(t, "INVALID_INPUT", result.Error)
}

func TestExecuteUnknownAsset(t *testing.T) {
	e := newEnv(t)

	req := e.request()
	req.ApplicationID = 99

	result, err := e.orchestrator.Execute(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Equal(t, "NOT_FOUND", result.Error)
}

func TestExecuteSwappedKinds(t *testing.T) {
	e := newEnv(t)

	req := e.request()
	req.DatasetID, req.ApplicationID = req.ApplicationID, req.DatasetID

	result, err := e.orchestrator.Execute(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrTypeMismatch)
	assert.Equal(t, "TYPE_MISMATCH", result.Error)
}

func TestExecuteAccessDenied(t *testing.T) {
	e := newEnv(t)

	req := e.request()
	req.Requester = interfaces.AccountAddress{0xee}

	result, err := e.orchestrator.Execute(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrAccessDenied)
	assert.Equal(t, "ACCESS_DENIED", result.Error)
}

// countingStage records how many times it is invoked.
type countingStage struct {
	calls int
}

func (c *countingStage) Reencrypt(ctx context.Context, req *reencrypt.Request) (*reencrypt.Response, error) {
	c.calls++
	return nil, errors.New("unreachable")
}

func TestExecuteDeniedBeforeAnyStageRuns(t *testing.T) {
	e := newEnv(t)

	stage1 := &countingStage{}
	e.orchestrator = New(e.ledger, e.store, stage1, nil, time.Minute, testLog)

	req := e.request()
	req.Requester = interfaces.AccountAddress{0xee}

	result, err := e.orchestrator.Execute(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrAccessDenied)
	assert.Equal(t, "ACCESS_DENIED", result.Error)

	// No ciphertext leaves the store and no asset key is released for a
	// requester holding no grant
	assert.Zero(t, stage1.calls)
	assert.Zero(t, e.store.fetches)
}

func TestExecuteWhitelistedApplicationSkipsGrantCheck(t *testing.T) {
	e := newEnv(t)

	application, err := e.ledger.GetAsset(e.applicationID)
	require.NoError(t, err)

	var whitelist types.Bloom
	whitelist.Add(application.CipherRef.Bytes())
	datasetID := e.seal(interfaces.AccountAddress{0xbb}, interfaces.Dataset, []byte("open dataset"), 10, &whitelist)

	result, err := e.orchestrator.Execute(context.Background(), &Request{
		Requester:     interfaces.AccountAddress{0xee},
		DatasetID:     datasetID,
		ApplicationID: e.applicationID,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	e := newEnv(t)
	e.store.failures = 2

	result, err := e.orchestrator.Execute(context.Background(), e.request())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	e := newEnv(t)
	e.store.failures = 10

	result, err := e.orchestrator.Execute(context.Background(), e.request())
	assert.ErrorIs(t, err, interfaces.ErrAssetUnavailable)
	assert.Equal(t, "ASSET_UNAVAILABLE", result.Error)
	assert.Equal(t, fetchAttempts, e.store.fetches)
}

func TestFetchDoesNotRetryMissingContent(t *testing.T) {
	e := newEnv(t)
	e.store.content = map[interfaces.ContentID][]byte{}

	result, err := e.orchestrator.Execute(context.Background(), e.request())
	assert.ErrorIs(t, err, interfaces.ErrAssetUnavailable)
	assert.Equal(t, "ASSET_UNAVAILABLE", result.Error)
	assert.Equal(t, 1, e.store.fetches)
}

func TestExecuteLedgerFailureIsOpaque(t *testing.T) {
	e := newEnv(t)

	ml := new(ledger.MockLedger)
	ml.On("GetAsset", e.datasetID).Return(interfaces.Asset{}, errors.New("badger: write conflict"))
	e.orchestrator = New(ml, e.store, blockedStage{}, nil, time.Minute, testLog)

	result, err := e.orchestrator.Execute(context.Background(), e.request())
	require.Error(t, err)
	assert.Equal(t, "INTERNAL", result.Error)
	assert.Zero(t, e.store.fetches)
	ml.AssertExpectations(t)
}

// blockedStage blocks until its context expires.
type blockedStage struct{}

func (blockedStage) Reencrypt(ctx context.Context, req *reencrypt.Request) (*reencrypt.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStageTimeout(t *testing.T) {
	e := newEnv(t)
	e.orchestrator = New(e.ledger, e.store, blockedStage{}, nil, 20*time.Millisecond, testLog)

	result, err := e.orchestrator.Execute(context.Background(), e.request())
	assert.ErrorIs(t, err, interfaces.ErrExecutionTimeout)
	assert.Equal(t, "EXECUTION_TIMEOUT", result.Error)
}

// blockedExecution blocks until its context expires.
type blockedExecution struct{}

func (blockedExecution) Execute(ctx context.Context, req *execute.Request) (*execute.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecutionStageTimeout(t *testing.T) {
	e := newEnv(t)
	e.orchestrator = New(e.ledger, e.store, e.stage1, blockedExecution{}, 20*time.Millisecond, testLog)

	result, err := e.orchestrator.Execute(context.Background(), e.request())
	assert.ErrorIs(t, err, interfaces.ErrExecutionTimeout)
	assert.Equal(t, "EXECUTION_TIMEOUT", result.Error)
}

func TestCallerDeadlineIsNotAStageTimeout(t *testing.T) {
	e := newEnv(t)
	e.orchestrator = New(e.ledger, e.store, blockedStage{}, nil, time.Minute, testLog)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := e.orchestrator.Execute(ctx, e.request())
	require.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrExecutionTimeout)
	assert.Equal(t, "INTERNAL", result.Error)
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"INVALID_INPUT":      interfaces.ErrInvalidInput,
		"NOT_FOUND":          interfaces.ErrNotFound,
		"TYPE_MISMATCH":      interfaces.ErrTypeMismatch,
		"ASSET_INACTIVE":     interfaces.ErrInactive,
		"ACCESS_DENIED":      interfaces.ErrAccessDenied,
		"ASSET_UNAVAILABLE":  interfaces.ErrAssetUnavailable,
		"INTEGRITY_FAILURE":  interfaces.ErrIntegrityFailure,
		"CONTENT_TAMPERED":   interfaces.ErrContentTampered,
		"KEY_RELEASE_DENIED": interfaces.ErrKeyReleaseDenied,
		"KEY_NOT_FOUND":      interfaces.ErrKeyNotFound,
		"EXECUTION_TIMEOUT":  interfaces.ErrExecutionTimeout,
		"APPLICATION_FAILED": interfaces.ErrApplicationFailed,
	}

	for code, sentinel := range cases {
		assert.Equal(t, code, ErrorCode(sentinel))
		assert.Equal(t, code, ErrorCode(fmt.Errorf("wrapped: %w", sentinel)))
	}

	assert.Equal(t, "INTERNAL", ErrorCode(errors.New("something else")))
}
