// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/medi-ingest/internal/bootstrap"
	"github.com/kraklabs/medi-ingest/internal/errors"
	"github.com/kraklabs/medi-ingest/internal/ui"
)

// runInitDB executes the 'init-db' CLI command, preparing a fresh deployment.
// It creates the staging directories and applies the ledger schema migrations.
// Migrations are embedded in the binary and versioned; applying them to an
// up-to-date database is a no-op.
func runInitDB(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init-db", flag.ExitOnError)
	statusOnly := fs.Bool("status", false, "Print migration status without applying anything")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi init-db [options]

Description:
  Prepare a deployment: create the input and temp staging directories
  and apply the ledger schema migrations. The schema is additive
  across releases; re-running init-db after an upgrade applies only
  the new migrations. The shared root is never created here since a
  missing mount must stay visible.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  medi init-db
  medi init-db --status
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(globals)
	logger := newLogger(false)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	if *statusOnly {
		if err := store.MigrationStatus(ctx); err != nil {
			errors.FatalError(errors.NewDatabaseError(
				"Cannot read migration status",
				err.Error(),
				"Verify the db settings in medi.yaml and database permissions",
				err,
			), globals.JSON)
		}
		return
	}

	ui.Header("Preparing Ingestion Environment")

	info, err := bootstrap.Init(ctx, store, bootstrap.EnvConfig{
		InputRoot: cfg.Paths.InputRoot,
		TempRoot:  cfg.Paths.TempRoot,
	}, logger)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Environment setup failed",
			err.Error(),
			"Fix the reported path or statement and re-run; applied migrations are not repeated",
			err,
		), globals.JSON)
	}

	for _, dir := range info.DirsCreated {
		ui.Infof("created %s", dir)
	}
	ui.Success("Schema is up to date")
}
