package approval

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

//go:embed default_routing.yaml
var defaultRoutingYAML []byte

// Route says who approves a request and where it goes when escalated.
type Route struct {
	Approvers       []string   `yaml:"approvers"`
	Escalation      [][]string `yaml:"escalation"`
	Priority        string     `yaml:"priority"`
	DeadlineMinutes int        `yaml:"deadline_minutes"`
}

// Deadline returns the route's deadline, or fallback when unset.
func (r Route) Deadline(fallback time.Duration) time.Duration {
	if r.DeadlineMinutes > 0 {
		return time.Duration(r.DeadlineMinutes) * time.Minute
	}
	return fallback
}

// RoutingTable maps (risk level, request type) to a route.
type RoutingTable struct {
	Default Route                                                     `yaml:"default"`
	Routes  map[models.RiskLevel]map[models.ApprovalRequestType]Route `yaml:"routes"`
}

// DefaultRoutingTable returns the built-in table.
func DefaultRoutingTable() *RoutingTable {
	table, err := ParseRoutingTable(defaultRoutingYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in routing table is invalid: %v", err))
	}
	return table
}

// LoadRoutingTable reads a YAML routing table. An empty path returns the built-in table.
func LoadRoutingTable(path string) (*RoutingTable, error) {
	if path == "" {
		return DefaultRoutingTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing table: %w", err)
	}
	return ParseRoutingTable(data)
}

// ParseRoutingTable decodes and checks a YAML routing table.
func ParseRoutingTable(data []byte) (*RoutingTable, error) {
	var table RoutingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse routing table: %w", err)
	}
	if len(table.Default.Approvers) == 0 {
		return nil, fmt.Errorf("routing table default route has no approvers")
	}
	for level, byType := range table.Routes {
		if !models.IsValidRiskLevel(level) {
			return nil, fmt.Errorf("routing table has unknown risk level %q", level)
		}
		for reqType, route := range byType {
			if len(route.Approvers) == 0 {
				return nil, fmt.Errorf("routing table route %s/%s has no approvers", level, reqType)
			}
		}
	}
	return &table, nil
}

// Route returns the route for a level and request type, falling back to the default.
func (t *RoutingTable) Route(level models.RiskLevel, reqType models.ApprovalRequestType) Route {
	if byType, ok := t.Routes[level]; ok {
		if route, ok := byType[reqType]; ok {
			if route.Priority == "" {
				route.Priority = defaultPriority(level)
			}
			return route
		}
	}
	route := t.Default
	if route.Priority == "" {
		route.Priority = defaultPriority(level)
	}
	return route
}

func defaultPriority(level models.RiskLevel) string {
	switch level {
	case models.RiskLow:
		return "low"
	case models.RiskHigh:
		return "high"
	case models.RiskCritical:
		return "urgent"
	default:
		return "normal"
	}
}
