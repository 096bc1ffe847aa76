package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// Factory creates storage backends from location URIs and aggregates them
// into multi-backend configurations for redundant storage.
type Factory struct {
	log     *slog.Logger
	tlsAuth func() (tls.Certificate, error)
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// WithTLSAuth configures the TLS client certificate source used by backends
// that authenticate with client certificates (vault://).
func (sf *Factory) WithTLSAuth(tlsAuth func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &Factory{log: sf.log, tlsAuth: tlsAuth}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS distributed storage
//   - vault:// - HashiCorp Vault KV v2 storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *Factory) StorageBackendFor(locationURI interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch strings.ToLower(locationURI.Scheme) {
	case "file":
		return sf.createFileBackend(locationURI)
	case "s3":
		return sf.createS3Backend(locationURI)
	case "ipfs":
		return sf.createIPFSBackend(locationURI)
	case "vault":
		return sf.createVaultBackend(locationURI)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, locationURI.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// The multi-backend aggregates all valid backends, providing redundancy for storage
// operations: it stores content to all available backends and fetches from the first
// one that has the content.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *Factory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", uri.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *Factory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileBackend(path, sf.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *Factory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", loc.String()))

	bucketName := loc.Host
	path := strings.TrimPrefix(loc.Path, "/")

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := loc.GetParam("endpoint")

	var accessKey, secretKey string
	if loc.Auth != "" {
		parts := strings.SplitN(loc.Auth, ":", 2)
		accessKey = parts[0]
		if len(parts) == 2 {
			secretKey = parts[1]
		}
		sf.log.Debug("Using embedded credentials for write access")
	} else {
		sf.log.Debug("No credentials provided, S3 bucket assumed to be public, write operations may fail")
	}

	return NewS3Backend(bucketName, path, region, endpoint, accessKey, secretKey, sf.log)
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/?gateway=true&timeout=30s
func (sf *Factory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", loc.String()))

	host := loc.Host
	port := "5001"
	if idx := strings.LastIndex(loc.Host, ":"); idx > 0 {
		host = loc.Host[:idx]
		port = loc.Host[idx+1:]
	}

	useGateway := loc.GetParam("gateway") == "true"
	timeout := loc.GetParam("timeout")
	if timeout == "" {
		timeout = "30s"
	}

	return NewIPFSBackend(host, port, useGateway, timeout, sf.log)
}

// createVaultBackend creates a Vault storage backend authenticated with a
// TLS client certificate from the factory's configured source.
// URI format: vault://host:port/mount/datapath
func (sf *Factory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", loc.String()))

	if sf.tlsAuth == nil {
		return nil, fmt.Errorf("vault backend requires TLS client auth, configure the factory with WithTLSAuth")
	}

	cert, err := sf.tlsAuth()
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS client certificate: %w", err)
	}

	parts := strings.SplitN(strings.TrimPrefix(loc.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI must be vault://host:port/mount/datapath", interfaces.ErrInvalidLocationURI)
	}

	address := fmt.Sprintf("https://%s", loc.Host)
	return NewVaultBackend(address, parts[0], parts[1], cert, sf.log)
}
