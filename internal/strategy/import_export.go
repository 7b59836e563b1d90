package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ExportFormat specifies the output format for document export
type ExportFormat string

const (
	FormatYAML ExportFormat = "yaml"
	FormatJSON ExportFormat = "json"
)

// ExportOptions configures document export behavior
type ExportOptions struct {
	Format ExportFormat

	// PrettyPrint enables indented output
	PrettyPrint bool

	// AddComments adds a YAML header describing the document (YAML only)
	AddComments bool
}

// DefaultExportOptions returns the default export options
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		Format:      FormatYAML,
		PrettyPrint: true,
		AddComments: true,
	}
}

// ImportOptions configures document import behavior
type ImportOptions struct {
	// ValidateStrict performs full validation including the strategy itself
	ValidateStrict bool

	// GenerateNewID generates a new ID for the imported document
	GenerateNewID bool
}

// DefaultImportOptions returns the default import options
func DefaultImportOptions() ImportOptions {
	return ImportOptions{
		ValidateStrict: true,
	}
}

// Export serializes a document to the specified format
func Export(doc *Document, opts ExportOptions) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("document cannot be nil")
	}

	out := *doc
	out.Metadata.UpdatedAt = time.Now()
	if out.Metadata.ID == "" {
		out.Metadata.ID = uuid.New().String()
	}
	if out.Metadata.SchemaVersion == "" {
		out.Metadata.SchemaVersion = SchemaVersion
	}
	if out.Metadata.Source == "" {
		out.Metadata.Source = "export"
	}

	switch opts.Format {
	case FormatYAML:
		return exportToYAML(&out, opts)
	case FormatJSON:
		return exportToJSON(&out, opts)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
}

func exportToYAML(doc *Document, opts ExportOptions) ([]byte, error) {
	var buf bytes.Buffer

	if opts.AddComments {
		buf.WriteString("# Optimized Strategy Configuration\n")
		buf.WriteString(fmt.Sprintf("# Schema Version: %s\n", doc.Metadata.SchemaVersion))
		if doc.Metadata.RunID != "" {
			buf.WriteString(fmt.Sprintf("# Run: %s (%s, %s)\n", doc.Metadata.RunID, doc.Metadata.Method, doc.Metadata.Objective))
		}
		buf.WriteString(fmt.Sprintf("# Exported: %s\n", time.Now().Format(time.RFC3339)))
		buf.WriteString("\n")
	}

	encoder := yaml.NewEncoder(&buf)
	if opts.PrettyPrint {
		encoder.SetIndent(2)
	}
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode document to YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to close YAML encoder: %w", err)
	}

	return buf.Bytes(), nil
}

func exportToJSON(doc *Document, opts ExportOptions) ([]byte, error) {
	var data []byte
	var err error

	if opts.PrettyPrint {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = json.Marshal(doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode document to JSON: %w", err)
	}

	return data, nil
}

// ExportToFile exports a document to a file. The format defaults to the
// file extension.
func ExportToFile(doc *Document, path string, opts ExportOptions) error {
	if opts.Format == "" {
		switch filepath.Ext(path) {
		case ".json":
			opts.Format = FormatJSON
		default:
			opts.Format = FormatYAML
		}
	}

	data, err := Export(doc, opts)
	if err != nil {
		return fmt.Errorf("failed to export document: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write strategy file: %w", err)
	}

	return nil
}

// Import deserializes a document from YAML or JSON
func Import(data []byte, opts ImportOptions) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty strategy data")
	}

	// Detect format using first non-whitespace character
	isJSON := false
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		isJSON = b == '{'
		break
	}

	var doc Document
	if isJSON {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse as JSON: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML: %w", err)
	}

	if err := CheckCompatibility(&doc); err != nil {
		return nil, err
	}
	if err := Migrate(&doc); err != nil {
		return nil, err
	}

	if opts.GenerateNewID {
		doc.Metadata.ID = uuid.New().String()
	}
	doc.Metadata.UpdatedAt = time.Now()
	if doc.Metadata.Source == "" {
		doc.Metadata.Source = "import"
	}

	if opts.ValidateStrict {
		if err := doc.Validate(); err != nil {
			return nil, fmt.Errorf("strategy validation failed: %w", err)
		}
	} else if err := doc.ValidateQuick(); err != nil {
		return nil, fmt.Errorf("strategy validation failed: %w", err)
	}

	return &doc, nil
}

// ImportFromFile imports a document from a file
func ImportFromFile(path string, opts ImportOptions) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}

	doc, err := Import(data, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to import strategy from %s: %w", path, err)
	}
	return doc, nil
}
