// The executor serves the confidential asset execution API: the ledger,
// the asset store, the key custodian and the two attested stages behind a
// single HTTP surface.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dnat-protocol/tee-asset-execution-backend/api/custodianapi"
	"github.com/dnat-protocol/tee-asset-execution-backend/cmd/flags"
	"github.com/dnat-protocol/tee-asset-execution-backend/cryptoutils"
	"github.com/dnat-protocol/tee-asset-execution-backend/custodian"
	"github.com/dnat-protocol/tee-asset-execution-backend/httpserver"
	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
	"github.com/dnat-protocol/tee-asset-execution-backend/ledger"
	"github.com/dnat-protocol/tee-asset-execution-backend/orchestrator"
	"github.com/dnat-protocol/tee-asset-execution-backend/stages/execute"
	"github.com/dnat-protocol/tee-asset-execution-backend/stages/reencrypt"
	"github.com/dnat-protocol/tee-asset-execution-backend/storage"
)

func main() {
	app := &cli.App{
		Name:  "executor",
		Usage: "Serve the confidential asset execution API",
		Flags: append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.StorageFlag,
			flags.LedgerDBFlag,
			flags.CustodianAddrFlag,
			flags.AttestationTypeFlag,
			flags.ReencryptIdentityFlag,
			flags.ExecuteIdentityFlag,
			flags.SessionTTLFlag,
			flags.RunTimeoutFlag,
			flags.StageTimeoutFlag,
			flags.RuntimeCommandFlag,
			flags.LogServiceFlagFn("asset-executor"),
		}, flags.CommonFlags...),
		Action: runExecutor,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runExecutor(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger on its persistent store
	store, err := ledger.NewBadgerStore(cCtx.String(flags.LedgerDBFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to open ledger store", "err", err)
		return err
	}
	defer store.Close()

	assetLedger, err := ledger.New(store, logger)
	if err != nil {
		logger.Error("Failed to load ledger", "err", err)
		return err
	}

	// Asset store from the configured backend URIs
	storageFactory := storage.NewStorageBackendFactory(logger)
	locations := make([]interfaces.StorageBackendLocation, 0)
	for _, uri := range cCtx.StringSlice(flags.StorageFlag.Name) {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			logger.Error("Invalid storage URI", "err", err, "uri", uri)
			return err
		}
		locations = append(locations, location)
	}
	assetStore, err := storageFactory.CreateMultiBackend(locations)
	if err != nil {
		logger.Error("Failed to create asset store", "err", err)
		return err
	}

	// Attestation plumbing for the two stages
	reencryptAttestor, executeAttestor, verifiers, executeIdentity, err := setupAttestation(cCtx)
	if err != nil {
		logger.Error("Failed to configure attestation", "err", err)
		return err
	}

	// Custodian: in-process unless a remote one is configured
	var keyCustodian interfaces.KeyCustodian
	var custodianRoutes []httpserver.Registrar
	if remote := cCtx.String(flags.CustodianAddrFlag.Name); remote != "" {
		keyCustodian = custodianapi.NewClient(remote)
	} else {
		local := custodian.New(verifiers, logger)
		go local.RunSweeper(ctx, time.Minute)
		keyCustodian = local
		custodianRoutes = append(custodianRoutes, custodianapi.NewHandler(local, logger))
	}

	sessionTTL := time.Duration(cCtx.Int64(flags.SessionTTLFlag.Name)) * time.Second
	runTimeout := time.Duration(cCtx.Int64(flags.RunTimeoutFlag.Name)) * time.Second
	stageTimeout := time.Duration(cCtx.Int64(flags.StageTimeoutFlag.Name)) * time.Second

	reencryptStage, err := reencrypt.New(keyCustodian, reencryptAttestor, []interfaces.TEEIdentity{executeIdentity}, sessionTTL, logger)
	if err != nil {
		return err
	}

	runtimeCommand := cCtx.StringSlice(flags.RuntimeCommandFlag.Name)
	if len(runtimeCommand) == 0 {
		return fmt.Errorf("--%s is required", flags.RuntimeCommandFlag.Name)
	}
	runtime := &execute.SubprocessRuntime{Command: runtimeCommand, Log: logger}
	executeStage := execute.New(assetLedger, keyCustodian, executeAttestor, runtime, runTimeout, logger)

	orch := orchestrator.New(assetLedger, assetStore, reencryptStage, executeStage, stageTimeout, logger)

	handler := httpserver.NewHandler(assetLedger, orch, logger)
	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
	srv, err := httpserver.New(cfg, handler, custodianRoutes...)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	srv.RunInBackground()
	<-ctx.Done()

	logger.Info("Shutting down")
	srv.Shutdown()
	return nil
}

// setupAttestation builds the stage attestation providers and the verifier
// set for the custodian from the configured mechanism.
func setupAttestation(cCtx *cli.Context) (reencryptAttestor, executeAttestor cryptoutils.AttestationProvider, verifiers map[string]interfaces.AttestationVerifier, executeIdentity interfaces.TEEIdentity, err error) {
	switch cCtx.String(flags.AttestationTypeFlag.Name) {
	case cryptoutils.DummyAttestation.StringID:
		reencryptIdentity, err := parseIdentity(cCtx.String(flags.ReencryptIdentityFlag.Name), "reencrypt-stage")
		if err != nil {
			return nil, nil, nil, interfaces.TEEIdentity{}, err
		}
		executeIdentity, err = parseIdentity(cCtx.String(flags.ExecuteIdentityFlag.Name), "execute-stage")
		if err != nil {
			return nil, nil, nil, interfaces.TEEIdentity{}, err
		}

		verifiers = map[string]interfaces.AttestationVerifier{
			cryptoutils.DummyAttestation.StringID: cryptoutils.DummyAttestationVerifier{},
		}
		return cryptoutils.DummyAttestationProvider{Identity: reencryptIdentity},
			cryptoutils.DummyAttestationProvider{Identity: executeIdentity},
			verifiers, executeIdentity, nil

	case cryptoutils.DCAPAttestation.StringID:
		executeIdentity, err = parseIdentity(cCtx.String(flags.ExecuteIdentityFlag.Name), "")
		if err != nil {
			return nil, nil, nil, interfaces.TEEIdentity{}, fmt.Errorf("--%s is required for %s attestation: %w",
				flags.ExecuteIdentityFlag.Name, cryptoutils.DCAPAttestation.StringID, err)
		}

		verifiers = map[string]interfaces.AttestationVerifier{
			cryptoutils.DCAPAttestation.StringID: cryptoutils.DCAPAttestationVerifier{},
		}
		provider := cryptoutils.DCAPAttestationProvider{}
		return provider, provider, verifiers, executeIdentity, nil

	default:
		return nil, nil, nil, interfaces.TEEIdentity{}, fmt.Errorf("unsupported attestation type %q", cCtx.String(flags.AttestationTypeFlag.Name))
	}
}

// parseIdentity reads a 32-byte hex identity, deriving a fixed development
// identity from fallbackName when the flag is empty.
func parseIdentity(raw, fallbackName string) (interfaces.TEEIdentity, error) {
	if raw == "" {
		if fallbackName == "" {
			return interfaces.TEEIdentity{}, fmt.Errorf("identity is required")
		}
		return interfaces.TEEIdentity(interfaces.ComputeID([]byte(fallbackName))), nil
	}

	id, err := interfaces.NewKeyIDFromHex(raw)
	if err != nil {
		return interfaces.TEEIdentity{}, fmt.Errorf("invalid identity %q: %w", raw, err)
	}
	return interfaces.TEEIdentity(id), nil
}
