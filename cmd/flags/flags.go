// Package flags holds the CLI flags and setup helpers shared by the
// executor and assetctl binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/dnat-protocol/tee-asset-execution-backend/common"
	"github.com/dnat-protocol/tee-asset-execution-backend/httpserver"
)

// SetupLogger builds the process logger from the common logging flags.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the API server config from the common server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String("metrics-addr")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var ExecutorAddrFlag = &cli.StringFlag{
	Name:  "executor-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "base URL of the executor API",
}

var StorageFlag = &cli.StringSliceFlag{
	Name:  "storage",
	Value: cli.NewStringSlice("file:///var/lib/asset-executor/store"),
	Usage: "asset store backend URIs (file://, s3://, ipfs://, vault://), may repeat",
}

var LedgerDBFlag = &cli.StringFlag{
	Name:  "ledger-db",
	Value: "/var/lib/asset-executor/ledger",
	Usage: "path to the ledger database directory",
}

var CustodianAddrFlag = &cli.StringFlag{
	Name:  "custodian-addr",
	Usage: "base URL of a remote key custodian, in-process custodian when empty",
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:  "attestation-type",
	Value: "dummy",
	Usage: "attestation mechanism for the stages: 'dummy' or 'qemu-tdx'",
}

var ReencryptIdentityFlag = &cli.StringFlag{
	Name:  "reencrypt-identity",
	Usage: "hex identity of the re-encryption stage (dummy attestation only)",
}

var ExecuteIdentityFlag = &cli.StringFlag{
	Name:  "execute-identity",
	Usage: "hex identity of the execution stage (dummy attestation only)",
}

var SessionTTLFlag = &cli.Int64Flag{
	Name:  "session-ttl-seconds",
	Value: 600,
	Usage: "lifetime of per-execution session keys",
}

var RunTimeoutFlag = &cli.Int64Flag{
	Name:  "run-timeout-seconds",
	Value: 300,
	Usage: "wall-clock budget for the sandboxed application",
}

var StageTimeoutFlag = &cli.Int64Flag{
	Name:  "stage-timeout-seconds",
	Value: 300,
	Usage: "wall-clock budget per stage invocation",
}

var RuntimeCommandFlag = &cli.StringSliceFlag{
	Name:  "runtime-command",
	Usage: "sandbox launcher command for applications",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
