// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bootstrap handles first-run setup of the ingestion environment.
//
// It creates the staging directories the pipeline writes into and applies
// the ledger schema migrations, so a fresh deployment goes from an empty
// database to runnable with one call.
//
// # Initialization Workflow
//
//	info, err := bootstrap.Init(ctx, store, bootstrap.EnvConfig{
//	    InputRoot: cfg.Paths.InputRoot,
//	    TempRoot:  cfg.Paths.TempRoot,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Input root ready at: %s\n", info.InputRoot)
//
// # Idempotency
//
// Init is idempotent: existing directories are left untouched and already
// applied migrations are skipped, so it is safe in scripts and automated
// deployments.
//
// # What Init Does Not Touch
//
// The shared root is never created. It is an external mount the pipeline
// only reads; auto-creating it would turn a missing mount into a silently
// empty scan instead of a visible failure.
package bootstrap
