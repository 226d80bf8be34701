package sql

import (
	"fmt"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/util"
	"github.com/bsv-blockchain/tracker/util/usql"
)

// createSchema creates the ledger tables. Postgres and sqlite only differ in the binary column type.
func createSchema(db *usql.DB, engine util.SQLEngine) error {
	blob := "BLOB"
	if engine == util.Postgres {
		blob = "BYTEA"
	}

	statements := []struct {
		name string
		sql  string
	}{
		{"servers", `
			CREATE TABLE IF NOT EXISTS servers (
				 address    TEXT PRIMARY KEY
				,last_seen  BIGINT NOT NULL
				,stale      BOOLEAN NOT NULL DEFAULT FALSE
			);`},
		// spent_by is not a foreign key: the spender may never be recorded in mempool_tx
		{"utxos", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS utxos (
				 txid             %[1]s NOT NULL
				,vout             BIGINT NOT NULL
				,value            BIGINT NOT NULL
				,script           %[1]s NOT NULL
				,confirmed        BOOLEAN NOT NULL DEFAULT FALSE
				,confirmed_height BIGINT
				,spent            BOOLEAN NOT NULL DEFAULT FALSE
				,spent_by         %[1]s
				,spend_confirmed  BOOLEAN NOT NULL DEFAULT FALSE
				,PRIMARY KEY (txid, vout)
			);`, blob)},
		{"mempool_tx", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS mempool_tx (
				 txid       %[1]s PRIMARY KEY
				,first_seen BIGINT NOT NULL
			);`, blob)},
		// edges are written before their mempool_tx row, so spending_txid is not a foreign key
		{"mempool_inputs", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS mempool_inputs (
				 spending_txid %[1]s NOT NULL
				,prev_txid     %[1]s NOT NULL
				,prev_vout     BIGINT NOT NULL
				,PRIMARY KEY (spending_txid, prev_txid, prev_vout)
			);`, blob)},
		{"ix_mempool_inputs_prev", `CREATE INDEX IF NOT EXISTS ix_mempool_inputs_prev ON mempool_inputs (prev_txid, prev_vout);`},
		{"indexer_state", `
			CREATE TABLE IF NOT EXISTS indexer_state (
				 id        INTEGER PRIMARY KEY CHECK (id = 1)
				,watermark BIGINT NOT NULL
			);`},
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt.sql); err != nil {
			_ = db.Close()
			return errors.NewStorageError("could not create %s - [%s]", stmt.name, engine, err)
		}
	}

	return nil
}
