// Package gisgate is a secure request gateway for a stateful, single-threaded
// GIS host. This package re-exports the types a library user needs most;
// the pipeline itself lives in the subpackages.
package gisgate

import (
	"github.com/machinefabric/gisgate-go/fault"
	"github.com/machinefabric/gisgate-go/ratelimit"
	"github.com/machinefabric/gisgate-go/server"
)

// Error taxonomy
type Error = fault.Error
type Kind = fault.Kind

const (
	KindInternal         = fault.KindInternal
	KindFrameTooLarge    = fault.KindFrameTooLarge
	KindTruncatedFrame   = fault.KindTruncatedFrame
	KindSchemaViolation  = fault.KindSchemaViolation
	KindAuth             = fault.KindAuth
	KindRateLimited      = fault.KindRateLimited
	KindPath             = fault.KindPath
	KindSandboxViolation = fault.KindSandboxViolation
	KindSandboxTimeout   = fault.KindSandboxTimeout
	KindHost             = fault.KindHost
	KindNotFound         = fault.KindNotFound
	KindMethodNotFound   = fault.KindMethodNotFound
)

var (
	AsError = fault.As
	IsKind  = fault.IsKind
)

// Rate-limit tiers
type Tier = ratelimit.Tier

const (
	TierAuth      = ratelimit.TierAuth
	TierExpensive = ratelimit.TierExpensive
	TierNormal    = ratelimit.TierNormal
	TierCheap     = ratelimit.TierCheap
)

var TierFor = ratelimit.TierFor

// Server
type Server = server.Server

var (
	NewServer  = server.New
	FromConfig = server.FromConfig
)

// Version is the server version reported by ping and get_stats.
const Version = server.Version
