// assetctl is the owner-side tool: it encrypts and uploads assets, hands
// the asset key to the custodian, registers assets on the ledger, funds
// escrow accounts, purchases access and requests executions.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dnat-protocol/tee-asset-execution-backend/api/clients"
	"github.com/dnat-protocol/tee-asset-execution-backend/api/custodianapi"
	"github.com/dnat-protocol/tee-asset-execution-backend/cmd/flags"
	"github.com/dnat-protocol/tee-asset-execution-backend/cryptoutils"
	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
	"github.com/dnat-protocol/tee-asset-execution-backend/orchestrator"
	"github.com/dnat-protocol/tee-asset-execution-backend/storage"
)

func main() {
	app := &cli.App{
		Name:  "assetctl",
		Usage: "Manage confidential assets against a running executor",
		Flags: append([]cli.Flag{
			flags.ExecutorAddrFlag,
			flags.LogServiceFlagFn("assetctl"),
		}, flags.CommonFlags...),
		Commands: []*cli.Command{
			encryptUploadCommand(),
			executeCommand(),
			depositCommand(),
			purchaseCommand(),
			getCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// assetManifest is the descriptive metadata stored next to the ciphertext.
type assetManifest struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	ContentDigest string `json:"content_digest"`
	Size          int    `json:"size"`
	CreatedAt     string `json:"created_at"`
}

func encryptUploadCommand() *cli.Command {
	return &cli.Command{
		Name:  "encrypt-upload",
		Usage: "Encrypt a plaintext asset, upload it, custody the key and register it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Required: true, Usage: "plaintext asset file"},
			&cli.StringFlag{Name: "name", Usage: "asset name for the manifest"},
			&cli.StringFlag{Name: "kind", Value: "dataset", Usage: "asset kind: dataset or application"},
			&cli.StringFlag{Name: "owner", Required: true, Usage: "owner account, 40-char hex"},
			&cli.StringFlag{Name: "price", Value: "0", Usage: "asset price"},
			&cli.StringSliceFlag{Name: "whitelist", Usage: "application cipherRefs granted free access, may repeat"},
			&cli.StringFlag{Name: "custodian-addr", Required: true, Usage: "base URL of the key custodian"},
			flags.StorageFlag,
			flags.ReencryptIdentityFlag,
		},
		Action: runEncryptUpload,
	}
}

func runEncryptUpload(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	owner, err := interfaces.NewAccountAddressFromHex(cCtx.String("owner"))
	if err != nil {
		return fmt.Errorf("invalid owner: %w", err)
	}
	kind, err := interfaces.AssetKindFromString(cCtx.String("kind"))
	if err != nil {
		return err
	}
	price, ok := new(big.Int).SetString(cCtx.String("price"), 10)
	if !ok {
		return fmt.Errorf("invalid price %q", cCtx.String("price"))
	}

	var whitelist []interfaces.ContentID
	for _, raw := range cCtx.StringSlice("whitelist") {
		ref, err := interfaces.NewContentIDFromHex(raw)
		if err != nil {
			return fmt.Errorf("invalid whitelist entry %q: %w", raw, err)
		}
		whitelist = append(whitelist, ref)
	}

	plaintext, err := os.ReadFile(cCtx.String("file"))
	if err != nil {
		return fmt.Errorf("failed to read asset file: %w", err)
	}
	digest := interfaces.ComputeDigest(plaintext)

	// Encrypt under a fresh asset key
	key, err := cryptoutils.GenerateKey()
	if err != nil {
		return err
	}
	defer cryptoutils.Zero(key)

	envelope, err := cryptoutils.SealAsset(key, plaintext, nil)
	if err != nil {
		return err
	}
	cryptoutils.Zero(plaintext)

	// Upload ciphertext and manifest to the asset store
	storageFactory := storage.NewStorageBackendFactory(logger)
	locations := make([]interfaces.StorageBackendLocation, 0)
	for _, uri := range cCtx.StringSlice(flags.StorageFlag.Name) {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return fmt.Errorf("invalid storage URI %q: %w", uri, err)
		}
		locations = append(locations, location)
	}
	assetStore, err := storageFactory.CreateMultiBackend(locations)
	if err != nil {
		return err
	}

	cipherRef, err := assetStore.Store(cCtx.Context, envelope, interfaces.CiphertextType)
	if err != nil {
		return fmt.Errorf("failed to upload ciphertext: %w", err)
	}

	manifest, err := json.Marshal(assetManifest{
		Name:          cCtx.String("name"),
		Kind:          kind.String(),
		ContentDigest: digest.String(),
		Size:          len(envelope),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	manifestRef, err := assetStore.Store(cCtx.Context, manifest, interfaces.ManifestType)
	if err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}

	// Custody the asset key, pinned to the re-encryption stage
	reencryptIdentity := interfaces.TEEIdentity(interfaces.ComputeID([]byte("reencrypt-stage")))
	if raw := cCtx.String(flags.ReencryptIdentityFlag.Name); raw != "" {
		id, err := interfaces.NewKeyIDFromHex(raw)
		if err != nil {
			return fmt.Errorf("invalid re-encryption stage identity: %w", err)
		}
		reencryptIdentity = interfaces.TEEIdentity(id)
	}

	keyCustodian := custodianapi.NewClient(cCtx.String("custodian-addr"))
	err = keyCustodian.Provision(cCtx.Context, interfaces.KeyIDForCipherRef(cipherRef), key, interfaces.AttestationPolicy{
		AllowedIdentities: []interfaces.TEEIdentity{reencryptIdentity},
	})
	if err != nil {
		return fmt.Errorf("failed to custody asset key: %w", err)
	}

	// Register on the ledger
	client := clients.NewExecutorClient(cCtx.String(flags.ExecutorAddrFlag.Name))
	id, err := client.RegisterAsset(cCtx.Context, owner, kind, cipherRef, manifestRef, digest, price, whitelist)
	if err != nil {
		return fmt.Errorf("failed to register asset: %w", err)
	}

	fmt.Printf("id: %d\ncipher_ref: %s\nmanifest_ref: %s\ncontent_digest: %s\n", id, cipherRef, manifestRef, digest)
	return nil
}

func executeCommand() *cli.Command {
	return &cli.Command{
		Name:  "execute",
		Usage: "Run an application over a dataset",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "requester", Required: true, Usage: "requester account, 40-char hex"},
			&cli.Uint64Flag{Name: "dataset", Required: true, Usage: "dataset asset id"},
			&cli.Uint64Flag{Name: "application", Required: true, Usage: "application asset id"},
			&cli.StringFlag{Name: "parameters", Usage: "JSON object of application parameters"},
		},
		Action: func(cCtx *cli.Context) error {
			requester, err := interfaces.NewAccountAddressFromHex(cCtx.String("requester"))
			if err != nil {
				return fmt.Errorf("invalid requester: %w", err)
			}

			var parameters map[string]any
			if raw := cCtx.String("parameters"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &parameters); err != nil {
					return fmt.Errorf("invalid parameters: %w", err)
				}
			}

			client := clients.NewExecutorClient(cCtx.String(flags.ExecutorAddrFlag.Name), 10*time.Minute)
			result, err := client.Execute(cCtx.Context, &orchestrator.Request{
				Requester:     requester,
				DatasetID:     cCtx.Uint64("dataset"),
				ApplicationID: cCtx.Uint64("application"),
				Parameters:    parameters,
			})
			if err != nil {
				if result != nil {
					return fmt.Errorf("execution %s failed after %dms: %s", result.ExecutionID, result.ElapsedMS, result.Error)
				}
				return err
			}

			fmt.Printf("execution_id: %s\nelapsed_ms: %d\n", result.ExecutionID, result.ElapsedMS)
			os.Stdout.Write(result.Output)
			return nil
		},
	}
}

func depositCommand() *cli.Command {
	return &cli.Command{
		Name:  "deposit",
		Usage: "Credit an account's escrow balance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Required: true, Usage: "account, 40-char hex"},
			&cli.StringFlag{Name: "amount", Required: true, Usage: "amount to deposit"},
		},
		Action: func(cCtx *cli.Context) error {
			account, err := interfaces.NewAccountAddressFromHex(cCtx.String("account"))
			if err != nil {
				return fmt.Errorf("invalid account: %w", err)
			}
			amount, ok := new(big.Int).SetString(cCtx.String("amount"), 10)
			if !ok {
				return fmt.Errorf("invalid amount %q", cCtx.String("amount"))
			}

			client := clients.NewExecutorClient(cCtx.String(flags.ExecutorAddrFlag.Name))
			return client.Deposit(cCtx.Context, account, amount)
		},
	}
}

func purchaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "purchase",
		Usage: "Purchase execution access for a (dataset, application) pair",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "buyer", Required: true, Usage: "buyer account, 40-char hex"},
			&cli.Uint64Flag{Name: "dataset", Required: true, Usage: "dataset asset id"},
			&cli.Uint64Flag{Name: "application", Required: true, Usage: "application asset id"},
			&cli.StringFlag{Name: "payment", Required: true, Usage: "attached payment"},
		},
		Action: func(cCtx *cli.Context) error {
			buyer, err := interfaces.NewAccountAddressFromHex(cCtx.String("buyer"))
			if err != nil {
				return fmt.Errorf("invalid buyer: %w", err)
			}
			payment, ok := new(big.Int).SetString(cCtx.String("payment"), 10)
			if !ok {
				return fmt.Errorf("invalid payment %q", cCtx.String("payment"))
			}

			client := clients.NewExecutorClient(cCtx.String(flags.ExecutorAddrFlag.Name))
			receipt, err := client.PurchaseAccess(cCtx.Context, buyer, cCtx.Uint64("dataset"), cCtx.Uint64("application"), payment)
			if err != nil {
				return err
			}

			fmt.Printf("grant: %s\ndataset_amount: %s\napplication_amount: %s\nrefund: %s\n",
				receipt.Grant, receipt.DatasetAmount, receipt.ApplicationAmount, receipt.Refund)
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Fetch an asset's registry entry",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "id", Required: true, Usage: "asset id"},
		},
		Action: func(cCtx *cli.Context) error {
			client := clients.NewExecutorClient(cCtx.String(flags.ExecutorAddrFlag.Name))
			asset, err := client.GetAsset(cCtx.Context, cCtx.Uint64("id"))
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(asset, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
}
