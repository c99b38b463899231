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

// Package config loads and validates the medi pipeline configuration.
//
// Configuration comes from a YAML file (medi.yaml by default, --config to
// override), with MEDI_* environment variables applied on top. Environment
// always wins over the file so that cron entries and container deployments
// can override single values without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file consulted when --config is not given.
const DefaultPath = "medi.yaml"

// DBConfig holds MySQL connection parameters for one database.
type DBConfig struct {
	// Host is the MySQL server hostname or IP.
	Host string `yaml:"host"`

	// Port is the MySQL server port.
	Port int `yaml:"port"`

	// Name is the database (schema) name.
	Name string `yaml:"name"`

	// User is the MySQL account name.
	User string `yaml:"user"`

	// Password is the MySQL account password. Prefer setting this via
	// MEDI_DB_PASSWORD / MEDI_MASTER_DB_PASSWORD instead of the file.
	Password string `yaml:"password"`
}

// DSN returns a go-sql-driver/mysql connection string.
//
// parseTime is enabled so DATETIME(6) columns scan into time.Time, and the
// connection charset is pinned to utf8mb4 to match the ledger tables.
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// PathsConfig holds the filesystem roots the pipeline works against.
type PathsConfig struct {
	// SharedRoot is the facility upload share scanned by `medi scan`.
	SharedRoot string `yaml:"shared_root"`

	// InputRoot is the curated import area fed by `medi copy` and
	// consumed by `medi import`. Layout: <input_root>/<facility_folder>/*.zip
	InputRoot string `yaml:"input_root"`

	// TempRoot is the scratch area for zip extraction. Contents are
	// recreated per zip and removed afterwards.
	TempRoot string `yaml:"temp_root"`

	// XSDRoot is the directory holding the HL7 checkup XSD set. Empty
	// disables XSD validation (the extract stage logs a SKIP).
	XSDRoot string `yaml:"xsd_root"`
}

// ScanConfig tunes the shared-folder scan stage.
type ScanConfig struct {
	// Exts is the extension allow-list (no dots, lowercase). The scan
	// queries the filesystem per extension instead of walking every node,
	// so keep this short; "zip" alone is enough for the import path.
	// The historical full list is zip,pdf,xlsx,xls,xml.
	Exts []string `yaml:"exts"`

	// HintDepth is how many ancestor directory names go into
	// facility_hint (root→leaf, joined by '/').
	HintDepth int `yaml:"hint_depth"`

	// Limit caps the number of files processed per invocation. 0 = no cap.
	Limit int `yaml:"limit"`
}

// HashConfig tunes the content-hash stage.
type HashConfig struct {
	// Limit is the batch size per invocation. 0 = all pending rows.
	Limit int `yaml:"limit"`

	// OnlyStage restricts hashing to rows in this stage_status.
	// Empty string disables the filter.
	OnlyStage string `yaml:"only_stage"`

	// ChunkMiB is the read chunk size in MiB (floor 1).
	ChunkMiB int `yaml:"chunk_mib"`

	// Workers is the size of the hashing worker pool.
	Workers int `yaml:"workers"`
}

// JudgeConfig tunes the zip-probe / auto-judge stage.
type JudgeConfig struct {
	// Limit is the batch size per invocation.
	Limit int `yaml:"limit"`

	// OnlyStage restricts judging to rows in this stage_status.
	OnlyStage string `yaml:"only_stage"`

	// ProbeAlways re-probes zips even when zip_has_xml is already set.
	ProbeAlways bool `yaml:"probe_always"`
}

// CopyConfig tunes the stage-copy stage.
type CopyConfig struct {
	// Limit is the batch size per invocation.
	Limit int `yaml:"limit"`
}

// ImportConfig tunes the zip-import stage.
type ImportConfig struct {
	// Mode is ZIP_IMPORT, XML_EXTRACT or FULL. ZIP_IMPORT registers zips
	// (and optionally their xml inventory); XML_EXTRACT only runs the
	// header extract; FULL chains both.
	Mode string `yaml:"mode"`

	// XMLInventory controls whether zip import also registers each xml
	// member into xml_receipts.
	XMLInventory bool `yaml:"xml_inventory"`

	// ParseWellformed runs a well-formedness check on each xml member
	// during inventory. Failures mark the member ERROR/XML_PARSE but do
	// not fail the zip.
	ParseWellformed bool `yaml:"parse_wellformed"`
}

// ExtractConfig tunes the xml header-extract stage.
type ExtractConfig struct {
	// TargetStatus selects which xml_receipts rows to extract.
	TargetStatus string `yaml:"target_status"`

	// Limit is the batch size per invocation.
	Limit int `yaml:"limit"`

	// XSDMain is the schema filename used when the document carries no
	// usable xsi:schemaLocation.
	XSDMain string `yaml:"xsd_main"`

	// PasswordEnabled turns ledger password lookup on for encrypted zips.
	// When off, only the no-password attempt is made.
	PasswordEnabled bool `yaml:"password_enabled"`
}

// ItemsConfig tunes the item-extract stage.
type ItemsConfig struct {
	// Limit is the batch size per invocation. 0 = all pending rows.
	Limit int `yaml:"limit"`

	// PasswordEnabled turns ledger password lookup on for encrypted zips.
	PasswordEnabled bool `yaml:"password_enabled"`
}

// NormalizeConfig tunes the value-normalize stage.
type NormalizeConfig struct {
	// Limit is the batch size per invocation. 0 = all pending rows.
	Limit int `yaml:"limit"`
}

// Config is the root configuration for the medi pipeline.
type Config struct {
	// DB is the ledger database (import_runs, zip_receipts, xml_receipts,
	// shared_files, ...). Required.
	DB DBConfig `yaml:"db"`

	// MasterDB is the read-only reference database (item_master,
	// norm_variants). Unset fields fall back to DB field by field, so a
	// single-server deployment only configures db.
	MasterDB DBConfig `yaml:"master_db"`

	Paths     PathsConfig     `yaml:"paths"`
	Scan      ScanConfig      `yaml:"scan"`
	Hash      HashConfig      `yaml:"hash"`
	Judge     JudgeConfig     `yaml:"judge"`
	Copy      CopyConfig      `yaml:"copy"`
	Import    ImportConfig    `yaml:"import"`
	Extract   ExtractConfig   `yaml:"extract"`
	Items     ItemsConfig     `yaml:"items"`
	Normalize NormalizeConfig `yaml:"normalize"`
}

// DefaultConfig returns a Config populated with the documented defaults.
//
// The defaults match the batch sizes the pipeline has always run with:
// hash 200, judge/copy/extract/normalize 500, items 200.
func DefaultConfig() Config {
	return Config{
		DB: DBConfig{
			Host: "127.0.0.1",
			Port: 3306,
		},
		Paths: PathsConfig{
			TempRoot: "work/tmp_unzip",
		},
		Scan: ScanConfig{
			Exts:      []string{"zip"},
			HintDepth: 2,
		},
		Hash: HashConfig{
			Limit:     200,
			OnlyStage: "NEW",
			ChunkMiB:  8,
			Workers:   4,
		},
		Judge: JudgeConfig{
			Limit:     500,
			OnlyStage: "NEW",
		},
		Copy: CopyConfig{
			Limit: 500,
		},
		Import: ImportConfig{
			Mode:            "ZIP_IMPORT",
			XMLInventory:    true,
			ParseWellformed: true,
		},
		Extract: ExtractConfig{
			TargetStatus:    "PENDING",
			Limit:           500,
			XSDMain:         "hc08_V08.xsd",
			PasswordEnabled: true,
		},
		Items: ItemsConfig{
			Limit:           200,
			PasswordEnabled: true,
		},
		Normalize: NormalizeConfig{
			Limit: 500,
		},
	}
}

// Load reads the config file at path, overlays MEDI_* environment
// variables, and returns the result.
//
// path == "" consults DefaultPath; a missing default file is not an error
// (environment or defaults may be enough), but a missing explicit --config
// path is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// fall through to env + defaults
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	return &cfg, nil
}

// Master returns the reference-database connection parameters with
// field-by-field fallback to the ledger database.
func (c *Config) Master() DBConfig {
	m := c.MasterDB
	if m.Host == "" {
		m.Host = c.DB.Host
	}
	if m.Port == 0 {
		m.Port = c.DB.Port
	}
	if m.Name == "" {
		m.Name = c.DB.Name
	}
	if m.User == "" {
		m.User = c.DB.User
	}
	if m.Password == "" {
		m.Password = c.DB.Password
	}
	return m
}

// Validate checks that the ledger DSN components required by every stage
// are present. Path requirements differ per stage and are checked there.
func (c *Config) Validate() error {
	var missing []string
	if c.DB.Host == "" {
		missing = append(missing, "db.host")
	}
	if c.DB.Port == 0 {
		missing = append(missing, "db.port")
	}
	if c.DB.Name == "" {
		missing = append(missing, "db.name")
	}
	if c.DB.User == "" {
		missing = append(missing, "db.user")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// applyEnv overlays MEDI_* environment variables onto the config.
//
// The variable names are carried over from the operation manual so that
// existing cron entries keep working unchanged.
func (c *Config) applyEnv() {
	envStr("MEDI_DB_HOST", &c.DB.Host)
	envInt("MEDI_DB_PORT", &c.DB.Port)
	envStr("MEDI_DB_NAME", &c.DB.Name)
	envStr("MEDI_DB_USER", &c.DB.User)
	envStr("MEDI_DB_PASSWORD", &c.DB.Password)

	envStr("MEDI_MASTER_DB_HOST", &c.MasterDB.Host)
	envInt("MEDI_MASTER_DB_PORT", &c.MasterDB.Port)
	envStr("MEDI_MASTER_DB_NAME", &c.MasterDB.Name)
	envStr("MEDI_MASTER_DB_USER", &c.MasterDB.User)
	envStr("MEDI_MASTER_DB_PASSWORD", &c.MasterDB.Password)

	envStr("MEDI_SHARED_ROOT", &c.Paths.SharedRoot)
	envStr("MEDI_INPUT_ROOT", &c.Paths.InputRoot)
	envStr("MEDI_TEMP_ROOT", &c.Paths.TempRoot)
	envStr("MEDI_XSD_ROOT", &c.Paths.XSDRoot)

	envStr("MEDI_IMPORT_MODE", &c.Import.Mode)
	envBool("MEDI_XML_ENABLED", &c.Import.XMLInventory)
	envBool("MEDI_XML_PARSE_WELLFORMED", &c.Import.ParseWellformed)

	envStr("MEDI_XML_TARGET_STATUS", &c.Extract.TargetStatus)
	envInt("MEDI_EXTRACT_LIMIT", &c.Extract.Limit)
	envStr("MEDI_XSD_MAIN", &c.Extract.XSDMain)
	envBool("MEDI_ZIP_PASSWORD_ENABLED", &c.Extract.PasswordEnabled)
	envBool("MEDI_ZIP_PASSWORD_ENABLED", &c.Items.PasswordEnabled)
}

func envStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// envBool accepts 1/true/yes/y/on (case-insensitive) as true; any other
// non-empty value is false.
func envBool(key string, target *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		*target = true
	default:
		*target = false
	}
}
