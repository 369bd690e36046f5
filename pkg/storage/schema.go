package storage

import (
	"context"
	"fmt"
	"strings"
)

type dialect struct {
	driver    Driver
	forUpdate string
	autoID    string
	key       string
	timestamp string
}

func dialectFor(driver Driver) dialect {
	if driver == DriverMySQL {
		return dialect{
			driver:    DriverMySQL,
			forUpdate: " FOR UPDATE",
			autoID:    "INTEGER PRIMARY KEY AUTO_INCREMENT",
			key:       "VARCHAR(255)",
			timestamp: "DATETIME(6)",
		}
	}
	return dialect{
		driver:    DriverSQLite,
		forUpdate: "",
		autoID:    "INTEGER PRIMARY KEY AUTOINCREMENT",
		key:       "VARCHAR(255)",
		timestamp: "DATETIME",
	}
}

// schema returns the CREATE statements of every table the store uses.
// Placeholders: {key} {ts} {autoid}.
func (d dialect) schema() []string {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			uuid          {key} PRIMARY KEY,
			status        VARCHAR(32),
			starttime     {ts},
			endtime       {ts} NULL,
			cmdtype       TEXT,
			params        TEXT,
			error         TEXT,
			error_str     TEXT,
			body          TEXT,
			xml           TEXT,
			statusinfo    TEXT,
			clustername   TEXT,
			_lock         TEXT,
			data          TEXT,
			subcmd        TEXT,
			response_sent TEXT,
			aq_name       TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS requests_archive (
			uuid          {key},
			status        VARCHAR(32),
			starttime     {ts},
			endtime       {ts} NULL,
			cmdtype       TEXT,
			params        TEXT,
			error         TEXT,
			error_str     TEXT,
			body          TEXT,
			xml           TEXT,
			statusinfo    TEXT,
			clustername   TEXT,
			_lock         TEXT,
			data          TEXT,
			subcmd        TEXT,
			response_sent TEXT,
			aq_name       TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			uuid           {key},
			status         VARCHAR(32),
			starttime      {ts},
			endtime        {ts} NULL,
			params         TEXT,
			error          TEXT,
			error_str      TEXT,
			statusinfo     TEXT,
			pid            INTEGER,
			port           INTEGER PRIMARY KEY,
			type           VARCHAR(64),
			synclock       VARCHAR(255),
			lastactivetime {ts},
			state          VARCHAR(32)
		)`,
		`CREATE TABLE IF NOT EXISTS registry (
			_key   {key},
			value  TEXT,
			uuid   {key},
			worker VARCHAR(64)
		)`,
		`CREATE TABLE IF NOT EXISTS ibfabriclocks (
			id                       {autoid},
			ibswitches_output_sha512 {key} UNIQUE,
			do_switch                VARCHAR(8),
			list_clusters_in_process TEXT,
			lockedfor                VARCHAR(32),
			lockcount                INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS ibfabricclusters (
			id          {autoid},
			fabric_id   INTEGER,
			clustername {key} UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS ibfabricibswitches (
			id           {autoid},
			fabric_id    INTEGER,
			ibswitchname {key} UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS clusterpatchoperations (
			id              {autoid},
			clustername     {key},
			master_req_uuid {key} UNIQUE,
			target_type     VARCHAR(100),
			patch_type      VARCHAR(100),
			operation_type  VARCHAR(100),
			operation_style VARCHAR(100)
		)`,
		`CREATE TABLE IF NOT EXISTS patchlist (
			master_uuid {key},
			child_uuid  {key},
			reqstatus   TEXT,
			json_report TEXT,
			PRIMARY KEY (master_uuid, child_uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS infrapatchingtimestats (
			master_uuid         VARCHAR(128),
			child_uuid          VARCHAR(128),
			target_type         VARCHAR(128),
			node_names          TEXT,
			operation           VARCHAR(128),
			rack_name           VARCHAR(255),
			patch_type          VARCHAR(128),
			operation_style     VARCHAR(128),
			stage               VARCHAR(128),
			sub_stage           VARCHAR(128),
			start_time          {ts},
			end_time            {ts} NULL,
			duration_in_seconds INTEGER,
			PRIMARY KEY (master_uuid, child_uuid, stage, sub_stage, start_time)
		)`,
	}

	r := strings.NewReplacer("{key}", d.key, "{ts}", d.timestamp, "{autoid}", d.autoID)
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = r.Replace(t)
	}
	return out
}

// Tables lists the tables created by EnsureSchema, in creation order
var Tables = []string{
	"requests",
	"requests_archive",
	"workers",
	"registry",
	"ibfabriclocks",
	"ibfabricclusters",
	"ibfabricibswitches",
	"clusterpatchoperations",
	"patchlist",
	"infrapatchingtimestats",
}

// SchemaStatements returns the DDL for driver without executing it
func SchemaStatements(driver Driver) []string {
	return dialectFor(driver).schema()
}

// EnsureSchema creates every missing table
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	return s.Tx(ctx, func(tx *Tx) error {
		for i, stmt := range s.dialect.schema() {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create table %s: %w", Tables[i], err)
			}
		}
		return nil
	})
}
