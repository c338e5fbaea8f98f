package providers

import (
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/providers/payment/domain"
	"github.com/smallbiznis/collectr/internal/providers/paystack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers",
	fx.Provide(NewGateway),
	fx.Provide(NewVerifier),
)

func NewGateway(cfg config.Config, log *zap.Logger) domain.Gateway {
	if cfg.Paystack.SecretKey == "" {
		log.Warn("PAYSTACK_SECRET_KEY is empty; checkout and verification will fail")
	}
	return paystack.NewClient(paystack.Config{
		SecretKey: cfg.Paystack.SecretKey,
		BaseURL:   cfg.Paystack.BaseURL,
		Timeout:   cfg.Paystack.Timeout,
	})
}

func NewVerifier(cfg config.Config) domain.Verifier {
	return paystack.NewSignatureVerifier(cfg.Paystack.SecretKey)
}
