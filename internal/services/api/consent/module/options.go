package module

import (
	"time"

	"hushh/internal/platform/config"
)

// Options controls consent flow behavior
type Options struct {
	Production     bool
	TokenTTL       time.Duration
	DenialCooldown time.Duration
	ConsentTimeout time.Duration
}

// FromConfig reads the consent flow knobs from process config/env
// Key names are part of the deployed contract; do not rename them
func FromConfig(cfg config.Conf) Options {
	return Options{
		Production:     cfg.MayBool("PRODUCTION_MODE", true),
		TokenTTL:       time.Duration(cfg.MayInt("TOKEN_TTL_HOURS", 168)) * time.Hour,
		DenialCooldown: time.Duration(cfg.MayInt("DENIAL_COOLDOWN_SECONDS", 60)) * time.Second,
		ConsentTimeout: time.Duration(cfg.MayInt("CONSENT_TIMEOUT_SECONDS", 120)) * time.Second,
	}
}
