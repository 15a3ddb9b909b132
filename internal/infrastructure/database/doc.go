// Package database opens the bridge's SQLite store and applies migrations.
//
// The connection runs in WAL mode with a busy timeout and foreign keys on.
// The file is created 0600: device props hold node passwords and API
// encryption keys.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	err = db.Migrate(ctx, migrations.FS)
//
// Migrations only add: new columns are nullable or defaulted, and every
// .up.sql ships with a .down.sql.
package database
