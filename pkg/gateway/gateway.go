// Package gateway provides the public API for embedding the model-key gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/modelkey-gateway/internal/runtime"
)

// Gateway is the main entry point for running the gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("file:./data/gateway.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite            = runtime.WithSQLite
	WithPostgres          = runtime.WithPostgres
	WithMySQL             = runtime.WithMySQL
	WithMemoryStorage     = runtime.WithMemoryStorage
	WithRouteStore        = runtime.WithRouteStore
	WithBlockedModelStore = runtime.WithBlockedModelStore

	// Identity and upstreams
	WithIdentityVerifier = runtime.WithIdentityVerifier
	WithProviderClient   = runtime.WithProviderClient

	// Advanced options
	WithLogger = runtime.WithLogger
)
