package ir

// Version constants for the ledger schema and engine.
const (
	// SchemaVersion is the ledger entry schema version.
	SchemaVersion = "1"

	// EngineVersion is the govledger engine version.
	EngineVersion = "0.1.0"
)
