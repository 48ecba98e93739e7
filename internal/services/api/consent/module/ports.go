package module

import (
	"hushh/internal/core/gate"
	"hushh/internal/core/token"
	"hushh/internal/platform/metrics"
	"hushh/internal/platform/ratelimit"

	"hushh/internal/services/api/consent/domain"
	csvc "hushh/internal/services/api/consent/service"
)

// Ports declares the injected dependencies for this API module
type Ports struct {
	Codec    *token.Codec
	Registry csvc.RegistryPort
	Metrics  *metrics.Metrics

	// Limiter may be nil; routes then run unthrottled
	Limiter ratelimit.Limiter
}

// Ports returns the module ports (parity with other modules)
func (m *Module) Ports() any { return m.ports }

// ConsentPorts exposes the consent surfaces other modules consume
// Notify reads the ledger through Reader; storage layers enforce access
// through Gate
type ConsentPorts struct {
	Service domain.ServicePort
	Reader  domain.ReadPort
	Gate    *gate.Gate
}
