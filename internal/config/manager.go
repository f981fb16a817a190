package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantPrivacyOverride lets one tenant run under a different privacy
// budget than the global default — e.g. an enterprise tenant with a
// larger total-epsilon allowance, or a trial tenant with tighter
// per-op costs. Zero fields leave the global value in place.
type TenantPrivacyOverride struct {
	TotalEpsilon float64            `yaml:"total_epsilon"`
	Delta        float64            `yaml:"delta"`
	Costs        map[string]float64 `yaml:"costs"`
}

// TenantsConfig holds the map of per-tenant privacy overrides, keyed
// by tenant tag (the same tag keystore.Handle.TenantTag carries and
// the orchestrator folds into the accountant principal id).
type TenantsConfig struct {
	Tenants map[string]TenantPrivacyOverride `yaml:"tenants"`
}

// Manager resolves the effective Config for a given tenant, merging
// that tenant's privacy override (if any) on top of the global
// config loaded at startup. Every other section — server, parameters,
// engine pool, cache, upstream, key lifecycle, persistence, logging —
// is process-wide and never varies by tenant.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]TenantPrivacyOverride
	mu            sync.RWMutex
}

// NewManager loads both the master config and the tenant-overrides
// file. A missing tenants file is not an error: it just means no
// tenant runs under an override.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.applyEnvOverrides()

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]TenantPrivacyOverride)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Get returns the effective config for a tenant: the global config
// with that tenant's privacy override, if any, merged on top.
func (m *Manager) Get(tenantTag string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	if override, ok := m.tenantConfigs[tenantTag]; ok {
		if override.TotalEpsilon != 0 {
			effective.Privacy.TotalEpsilon = override.TotalEpsilon
		}
		if override.Delta != 0 {
			effective.Privacy.Delta = override.Delta
		}
		if len(override.Costs) > 0 {
			merged := make(map[string]float64, len(effective.Privacy.Costs))
			for k, v := range effective.Privacy.Costs {
				merged[k] = v
			}
			for k, v := range override.Costs {
				merged[k] = v
			}
			effective.Privacy.Costs = merged
		}
	}

	return &effective
}
