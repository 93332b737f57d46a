package node

import (
	"fmt"
	"strings"

	azrelay "github.com/julienstroheker/hexrelay/internal/azure/relay"
	"github.com/julienstroheker/hexrelay/internal/config"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

// NewTransport builds the relay transport selected by cfg.Mode
func NewTransport(cfg *config.Config, logger *logging.Logger) (relay.Transport, error) {
	switch cfg.Mode {
	case config.ModeLocal:
		return relay.NewMemoryNetwork(logger), nil
	case config.ModeRemote:
		return newAzureTransport(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
}

func newAzureTransport(cfg *config.Config, logger *logging.Logger) (*relay.AzureTransport, error) {
	az := cfg.Azure

	var tokens relay.TokenSource
	if az.UseEntraID {
		src, err := azrelay.NewEntraTokenSource(nil, nil)
		if err != nil {
			return nil, err
		}
		tokens = src
	} else {
		src, err := azrelay.NewSASTokenSource(&azrelay.SASTokenSourceOptions{
			RelayNamespace: az.RelayNamespace,
			KeyName:        az.KeyName,
			Key:            az.Key,
		})
		if err != nil {
			return nil, err
		}
		tokens = src
	}

	opts := &relay.AzureTransportOptions{
		RelayEndpoint: relayHost(az.RelayNamespace),
		Tokens:        tokens,
		Logger:        logger,
	}
	if az.SubscriptionID != "" && az.ResourceGroup != "" {
		mgr, err := azrelay.NewManager(&azrelay.ManagerOptions{
			SubscriptionID:    az.SubscriptionID,
			ResourceGroupName: az.ResourceGroup,
			NamespaceName:     strings.SplitN(az.RelayNamespace, ".", 2)[0],
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create relay manager: %w", err)
		}
		opts.Provisioner = mgr
		logger.Info("Hybrid connection provisioning enabled",
			logging.String("resource_group", az.ResourceGroup))
	}

	return relay.NewAzureTransport(opts)
}

// relayHost expands a bare namespace name to its Service Bus host
func relayHost(namespace string) string {
	if strings.Contains(namespace, ".") {
		return namespace
	}
	return namespace + ".servicebus.windows.net"
}
