// Package gateway provides the public API for embedding the call gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/polyglot-call-gateway/internal/runtime"
)

// Gateway is the main entry point for running the call gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithConfiguredStorage(),
//	    gateway.WithAPIKeyAuth(),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Authentication
	WithAPIKeyAuth   = runtime.WithAPIKeyAuth
	WithAuthProvider = runtime.WithAuthProvider

	// Storage
	WithConfiguredStorage = runtime.WithConfiguredStorage
	WithSQLite            = runtime.WithSQLite
	WithPostgres          = runtime.WithPostgres
	WithMemoryStorage     = runtime.WithMemoryStorage
	WithStorageProvider   = runtime.WithStorageProvider

	// Events
	WithDirectEvents   = runtime.WithDirectEvents
	WithEventPublisher = runtime.WithEventPublisher

	// Policy
	WithBasicPolicy   = runtime.WithBasicPolicy
	WithOptionsPolicy = runtime.WithOptionsPolicy

	// Call collaborators
	WithSpeechConnector  = runtime.WithSpeechConnector
	WithCallControl      = runtime.WithCallControl
	WithGuidanceAdvisor  = runtime.WithGuidanceAdvisor
	WithPaymentCollector = runtime.WithPaymentCollector

	// Advanced options
	WithLogger     = runtime.WithLogger
	WithHTTPClient = runtime.WithHTTPClient
)
