package sync

import "time"

// Result reports the outcome of a push or pull
type Result struct {
	FilesSynced   int      `json:"files_synced"`
	Committed     bool     `json:"committed"`
	SecretsFound  bool     `json:"secrets_found"`
	SecretDetails []string `json:"secret_details"`
	Message       string   `json:"message"`
}

// Status compares the live directory with the mirror
type Status struct {
	InSync       bool       `json:"in_sync"`
	ChangedFiles []string   `json:"changed_files"`
	LastSync     *time.Time `json:"last_sync"`
}

// RestoreResult reports what a restore did to the mirror and the live directory
type RestoreResult struct {
	Point            string `json:"point"`
	Commit           string `json:"commit"`
	BackupCommitted  bool   `json:"backup_committed"`
	RestoreCommitted bool   `json:"restore_committed"`
	Pull             Result `json:"pull"`
}

// syncFile pairs a source-relative path with its absolute source location.
type syncFile struct {
	Rel string
	Abs string
}
