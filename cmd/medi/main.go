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

// Package main implements the medi CLI, the operator surface for the
// health-checkup XML ingestion pipeline.
//
// Usage:
//
//	medi scan                     Register zips found under the shared root
//	medi hash                     Compute content hashes for registered zips
//	medi judge                    Probe zips and auto-judge checkup candidates
//	medi copy                     Stage judged zips into the input root
//	medi import                   Receipt staged zips and extract CDA headers
//	medi items                    Extract per-observation item values
//	medi normalize                Normalize raw item values for submission
//	medi status [--json]          Show ledger counts and recent runs
//	medi init-db                  Apply ledger schema migrations
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/medi-ingest/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags carries the options every subcommand honors.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	NoColor    bool
	Quiet      bool
}

// main parses global flags and dispatches to the subcommand handlers.
//
// Global flags:
//   - --version: Display version information and exit
//   - --config: Path to the YAML configuration file
//   - --json: Machine-readable output where the command supports it
//   - --no-color: Disable colored output
//   - --quiet: Suppress progress bars and informational chatter
func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		configPath  = flag.String("config", "", "Path to config file (default: ./medi.yaml)")
		jsonOutput  = flag.Bool("json", false, "Output as JSON where supported")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
		quiet       = flag.Bool("quiet", false, "Suppress progress output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `medi - health-checkup XML ingestion pipeline

medi walks password-protected checkup zips off a shared filesystem,
judges and stages them, receipts every zip and CDA XML by content
hash, and extracts header and observation values into a MySQL ledger.
Every stage is idempotent and resumable: re-running a command only
picks up rows the previous pass left behind.

Usage:
  medi <command> [options]

Commands:
  scan          Register zips found under the shared root
  hash          Compute content hashes for registered zips
  judge         Probe zip contents and auto-judge checkup candidates
  copy          Stage judged zips into the facility input root
  import        Receipt staged zips and extract CDA headers
  items         Extract per-observation item values
  normalize     Normalize raw item values for submission
  status        Show ledger counts and recent runs
  init-db       Apply ledger schema migrations

Global Options:
  --config      Path to config file (default: ./medi.yaml)
  --json        Machine-readable output where the command supports it
  --no-color    Disable colored output
  --quiet       Suppress progress output
  --version     Show version and exit

Examples:
  medi scan                          One discovery pass over the shared root
  medi hash --limit 1000             Hash up to 1000 pending files
  medi judge                         Auto-judge hashed files
  medi copy --dry-run                Preview staging decisions
  medi import --mode FULL            Receipt zips and extract headers in one run
  medi items --limit 0               Item-extract with no batch limit
  medi status --json                 Ledger counts for scripting

Nightly Order:
  scan -> hash -> judge -> copy -> import -> items -> normalize
  Each command processes one bounded batch; cron repetition drains
  the backlog without coordination.

Environment Variables:
  MEDI_DB_HOST / MEDI_DB_NAME / ...  Override db connection settings
  MEDI_SHARED_ROOT, MEDI_INPUT_ROOT  Override pipeline paths
  MEDI_IMPORT_MODE                   ZIP_IMPORT, XML_EXTRACT or FULL

For detailed command help: medi <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("medi version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	globals := GlobalFlags{
		ConfigPath: *configPath,
		JSON:       *jsonOutput,
		NoColor:    *noColor,
		Quiet:      *quiet,
	}
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "scan":
		runScan(cmdArgs, globals)
	case "hash":
		runHash(cmdArgs, globals)
	case "judge":
		runJudge(cmdArgs, globals)
	case "copy":
		runCopy(cmdArgs, globals)
	case "import":
		runImport(cmdArgs, globals)
	case "items":
		runItems(cmdArgs, globals)
	case "normalize":
		runNormalize(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "init-db":
		runInitDB(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
