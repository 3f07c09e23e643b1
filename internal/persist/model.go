package persist

// StateVersion is the current on-disk layout version.
const StateVersion = 1

// StateDocument is the durable slice of a cache instance: the deletion ledger
// and the initialized flag. Bulk entity data is rebuildable and never stored.
type StateDocument struct {
	Version     int      `json:"version" validate:"gte=0"`
	Kind        string   `json:"kind" validate:"required"`
	DeletedIDs  []string `json:"deletedIds"`
	Initialized bool     `json:"isInitialized"`
	LastUpdate  int64    `json:"lastUpdate"`
}

// EmptyState returns a fresh current-version document for a kind.
func EmptyState(kind string) StateDocument {
	return StateDocument{Version: StateVersion, Kind: kind}
}
