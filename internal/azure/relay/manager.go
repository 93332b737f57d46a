// Package relay manages Azure Relay namespaces: hybrid connection
// provisioning through Azure Resource Manager and the credentials used to
// listen on and connect to hybrid connections.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/relay/armrelay"
)

// hybridConnectionsAPI is the subset of armrelay.HybridConnectionsClient
// the manager uses
type hybridConnectionsAPI interface {
	CreateOrUpdate(ctx context.Context, resourceGroupName, namespaceName, hybridConnectionName string,
		parameters armrelay.HybridConnection, options *armrelay.HybridConnectionsClientCreateOrUpdateOptions,
	) (armrelay.HybridConnectionsClientCreateOrUpdateResponse, error)
	Delete(ctx context.Context, resourceGroupName, namespaceName, hybridConnectionName string,
		options *armrelay.HybridConnectionsClientDeleteOptions,
	) (armrelay.HybridConnectionsClientDeleteResponse, error)
}

// Manager handles Azure Relay management operations
type Manager struct {
	client            hybridConnectionsAPI
	resourceGroupName string
	namespaceName     string

	mu          sync.Mutex
	provisioned map[string]bool
}

// ManagerOptions contains configuration for the Relay Manager
type ManagerOptions struct {
	// SubscriptionID is the Azure subscription ID
	SubscriptionID string

	// ResourceGroupName is the name of the resource group containing the Relay namespace
	ResourceGroupName string

	// NamespaceName is the name of the Azure Relay namespace
	NamespaceName string

	// Credential is the Azure credential to use (optional, defaults to DefaultAzureCredential)
	Credential azcore.TokenCredential
}

// NewManager creates a new Azure Relay Manager
func NewManager(opts *ManagerOptions) (*Manager, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription ID is required")
	}
	if opts.ResourceGroupName == "" {
		return nil, fmt.Errorf("resource group name is required")
	}
	if opts.NamespaceName == "" {
		return nil, fmt.Errorf("namespace name is required")
	}

	credential := opts.Credential
	if credential == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default credential: %w", err)
		}
		credential = cred
	}

	hcClient, err := armrelay.NewHybridConnectionsClient(opts.SubscriptionID, credential, &arm.ClientOptions{
		ClientOptions: policy.ClientOptions{Logging: policy.LogOptions{IncludeBody: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hybrid connections client: %w", err)
	}

	return newManager(hcClient, opts.ResourceGroupName, opts.NamespaceName), nil
}

func newManager(client hybridConnectionsAPI, resourceGroupName, namespaceName string) *Manager {
	return &Manager{
		client:            client,
		resourceGroupName: resourceGroupName,
		namespaceName:     namespaceName,
		provisioned:       make(map[string]bool),
	}
}

// CreateHybridConnection creates a Hybrid Connection in the Relay namespace.
// Names already created by this manager are skipped.
func (m *Manager) CreateHybridConnection(ctx context.Context, name string) error {
	m.mu.Lock()
	done := m.provisioned[name]
	m.mu.Unlock()
	if done {
		return nil
	}

	// RequiresClientAuthorization false allows namespace-level SAS tokens
	props := armrelay.HybridConnection{
		Properties: &armrelay.HybridConnectionProperties{
			RequiresClientAuthorization: ptr(false),
		},
	}

	if _, err := m.client.CreateOrUpdate(ctx, m.resourceGroupName, m.namespaceName, name, props, nil); err != nil {
		return fmt.Errorf("failed to create hybrid connection %s: %w", name, err)
	}

	m.mu.Lock()
	m.provisioned[name] = true
	m.mu.Unlock()
	return nil
}

// DeleteHybridConnection deletes a Hybrid Connection from the Relay namespace
func (m *Manager) DeleteHybridConnection(ctx context.Context, name string) error {
	if _, err := m.client.Delete(ctx, m.resourceGroupName, m.namespaceName, name, nil); err != nil {
		return fmt.Errorf("failed to delete hybrid connection %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.provisioned, name)
	m.mu.Unlock()
	return nil
}

// Provisioned returns the hybrid connections created by this manager
func (m *Manager) Provisioned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.provisioned))
	for name := range m.provisioned {
		names = append(names, name)
	}
	return names
}

// ptr is a helper function to get a pointer to a value
func ptr[T any](v T) *T {
	return &v
}
