package livesync

import (
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"gopkg.in/yaml.v3"
)

// server-side change names and client-side cache partitions have drifted
// historically, and some legacy emitters use multiple names for the same
// logical concept. the table is built once and never mutated after that,
// so lookups are lock free.

type AliasPair struct {
	ServerName string   `yaml:"server"`
	Partitions []string `yaml:"partitions"`
}

func DefaultAliasPairs() []AliasPair {
	return []AliasPair{
		{"planner_data", []string{"planners", "monthly_planners"}},
		{"planner", []string{"planners"}},
		{"musician_data", []string{"musicians"}},
		{"event_data", []string{"events"}},
		{"gig_data", []string{"events"}},
		{"contract_data", []string{"contracts"}},
		{"monthly_contract_data", []string{"contracts"}},
		{"venue_data", []string{"venues"}},
		{"availability_data", []string{"availability"}},
		{"status_data", []string{"status"}},
	}
}

func LoadAliasPairs(path string) ([]AliasPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pairs := []AliasPair{}
	if err := yaml.Unmarshal(data, &pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

type AliasTable struct {
	serverPartitions map[string][]string
	partitionServers map[string][]string
	partitions       map[string]bool
}

func DefaultAliasTable() *AliasTable {
	return NewAliasTable(DefaultAliasPairs())
}

// duplicate server names across pairs merge their partition sets
func NewAliasTable(pairs []AliasPair) *AliasTable {
	table := &AliasTable{
		serverPartitions: map[string][]string{},
		partitionServers: map[string][]string{},
		partitions:       map[string]bool{},
	}
	for _, pair := range pairs {
		for _, partition := range pair.Partitions {
			table.partitions[partition] = true
			if !slices.Contains(table.serverPartitions[pair.ServerName], partition) {
				table.serverPartitions[pair.ServerName] = append(table.serverPartitions[pair.ServerName], partition)
			}
			if !slices.Contains(table.partitionServers[partition], pair.ServerName) {
				table.partitionServers[partition] = append(table.partitionServers[partition], pair.ServerName)
			}
		}
	}
	return table
}

// Resolve canonicalizes an incoming entity name to the set of cache
// partitions to invalidate. A name that already equals a known partition
// resolves to itself. Unknown names degrade to 1:1 invalidation rather
// than silence, so a new server emitter cannot strand stale data.
func (self *AliasTable) Resolve(entity string) []string {
	partitionSet := map[string]bool{}
	if self.partitions[entity] {
		partitionSet[entity] = true
	}
	for _, partition := range self.serverPartitions[entity] {
		partitionSet[partition] = true
	}
	if len(partitionSet) == 0 {
		partitionSet[entity] = true
	}
	partitions := maps.Keys(partitionSet)
	slices.Sort(partitions)
	return partitions
}

func (self *AliasTable) IsPartition(name string) bool {
	return self.partitions[name]
}

func (self *AliasTable) Partitions() []string {
	partitions := maps.Keys(self.partitions)
	slices.Sort(partitions)
	return partitions
}

// ServerNames returns the historical server-side names for a partition.
// Used when asking the server to re-emit a category.
func (self *AliasTable) ServerNames(partition string) []string {
	serverNames := slices.Clone(self.partitionServers[partition])
	slices.Sort(serverNames)
	return serverNames
}
