package strategy

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// MigrationFunc upgrades a document from one schema version to the next
type MigrationFunc func(*Document) error

// migrations maps source version to migration functions
var migrations = map[string]MigrationFunc{}

// parseVersion accepts both "1.0" and "1.0.0"
func parseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		parsed, err = semver.NewVersion(v + ".0")
		if err != nil {
			return nil, fmt.Errorf("invalid version: %s", v)
		}
	}
	return parsed, nil
}

// Migrate upgrades a document to the current schema version
func Migrate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document cannot be nil")
	}
	if doc.Metadata.SchemaVersion == SchemaVersion {
		return nil
	}

	current, err := parseVersion(doc.Metadata.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", doc.Metadata.SchemaVersion)
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("document schema version %s is newer than supported version %s",
			doc.Metadata.SchemaVersion, SchemaVersion)
	}

	for version, migrate := range migrations {
		migrationVersion, err := semver.NewVersion(version)
		if err != nil {
			continue
		}
		if current.LessThan(migrationVersion) {
			if err := migrate(doc); err != nil {
				return fmt.Errorf("migration from %s failed: %w", version, err)
			}
		}
	}

	doc.Metadata.SchemaVersion = SchemaVersion
	return nil
}

// CheckCompatibility checks if a document can be migrated to the current version
func CheckCompatibility(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document cannot be nil")
	}
	if doc.Metadata.SchemaVersion == "" {
		return fmt.Errorf("missing schema version")
	}

	current, err := parseVersion(doc.Metadata.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", doc.Metadata.SchemaVersion)
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("document requires schema version %s, but only %s is supported",
			doc.Metadata.SchemaVersion, SchemaVersion)
	}
	if current.LessThan(target) && current.Major() != target.Major() {
		return fmt.Errorf("no migration path from version %s to %s",
			doc.Metadata.SchemaVersion, SchemaVersion)
	}

	return nil
}

// CompareVersions compares two version strings
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// IsVersionSupported checks if a schema version is supported. Patch versions
// of a supported major.minor are accepted.
func IsVersionSupported(version string) bool {
	for _, v := range SupportedSchemaVersions {
		if v == version {
			return true
		}
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	for _, supported := range SupportedSchemaVersions {
		sv, err := parseVersion(supported)
		if err != nil {
			continue
		}
		if v.Major() == sv.Major() && v.Minor() == sv.Minor() {
			return true
		}
	}
	return false
}
