package probe

import (
	"fmt"
	"os"
	"strings"

	"github.com/org/lockr/pkg/models"
	"gopkg.in/yaml.v3"
)

// Inventory is the host list file used for sweeps:
//
//	hosts:
//	  - name: db1
//	    address: 10.0.0.5
//	    port: 2222
type Inventory struct {
	Hosts []models.HostRecord `yaml:"hosts"`
}

// LoadInventory reads and validates an inventory file.
func LoadInventory(path string) ([]models.HostRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes inventory YAML. Hosts without a name are named
// after their address.
func ParseInventory(data []byte) ([]models.HostRecord, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}
	for i := range inv.Hosts {
		h := &inv.Hosts[i]
		h.Address = strings.TrimSpace(h.Address)
		if h.Address == "" {
			return nil, fmt.Errorf("inventory host %d has no address", i+1)
		}
		if h.Port < 0 || h.Port > 65535 {
			return nil, fmt.Errorf("inventory host %s: invalid port %d", h.Address, h.Port)
		}
		if h.Name == "" {
			h.Name = h.Address
		}
	}
	return inv.Hosts, nil
}
