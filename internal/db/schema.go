package db

const pendingUploadTable = "pending_upload"

// SchemaSQL defines the pending upload ledger. Rows are keyed by dish ID.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS pending_upload SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS dish_id ON pending_upload TYPE string;
    DEFINE FIELD IF NOT EXISTS local_path ON pending_upload TYPE string;
    DEFINE FIELD IF NOT EXISTS session_id ON pending_upload TYPE string;
    DEFINE FIELD IF NOT EXISTS timestamp ON pending_upload TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS pending_upload_timestamp ON pending_upload FIELDS timestamp;
`
