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

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// EnvConfig holds the paths Init prepares. The shared root is deliberately
// absent: it is a mount the pipeline only reads, and creating it here would
// hide a missing mount until the first scan returns zero files.
type EnvConfig struct {
	// InputRoot is where 'copy' stages zips and 'import' reads them.
	InputRoot string

	// TempRoot is the scratch area for zip extraction. Optional; extraction
	// falls back to per-run temp dirs when empty.
	TempRoot string
}

// EnvInfo holds information about an initialized environment.
type EnvInfo struct {
	InputRoot   string
	TempRoot    string
	DirsCreated []string
}

// Init prepares the pipeline environment. This function is idempotent:
// calling it multiple times is safe.
//
// The function:
//  1. Creates the input root if it doesn't exist
//  2. Creates the temp root if configured
//  3. Applies the ledger schema migrations
//
// After successful initialization every medi command can run: the staging
// directories exist and the schema is at the current version.
//
// Parameters:
//   - ctx: context for the migration statements
//   - store: open ledger connection
//   - config: environment paths
//   - logger: optional logger (nil uses default)
//
// Returns:
//   - EnvInfo: information about the prepared environment
//   - error: if initialization fails
func Init(ctx context.Context, store *ledger.Store, config EnvConfig, logger *slog.Logger) (*EnvInfo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.TrimSpace(config.InputRoot) == "" {
		return nil, fmt.Errorf("input root is required")
	}

	logger.Info("bootstrap.env.init.start",
		"input_root", config.InputRoot,
		"temp_root", config.TempRoot,
	)

	created, err := ensureDirs(config)
	if err != nil {
		return nil, err
	}
	for _, dir := range created {
		logger.Info("bootstrap.dir.created", "path", dir)
	}

	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("bootstrap.env.init.success",
		"input_root", config.InputRoot,
		"dirs_created", len(created),
	)

	return &EnvInfo{
		InputRoot:   config.InputRoot,
		TempRoot:    config.TempRoot,
		DirsCreated: created,
	}, nil
}

// ensureDirs creates the staging directories and reports which ones were
// newly made. Existing directories are left untouched.
func ensureDirs(config EnvConfig) ([]string, error) {
	var created []string
	for _, dir := range []string{config.InputRoot, config.TempRoot} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if _, err := os.Stat(dir); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		created = append(created, dir)
	}
	return created, nil
}
