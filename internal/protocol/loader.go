package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// maxDefinitionSize caps protocol files at 1MB.
const maxDefinitionSize = 1024 * 1024

// Load parses and validates a protocol definition. Unknown fields are
// rejected so a typo in a field name cannot silently change behavior.
// The source string is used in error messages only.
func Load(data []byte, source string) (*Definition, error) {
	if len(data) > maxDefinitionSize {
		return nil, &SchemaError{
			Source: source,
			Issues: []string{fmt.Sprintf("definition exceeds maximum size of %d bytes", maxDefinitionSize)},
		}
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &SchemaError{Source: source, Issues: []string{"definition is empty"}}
		}
		return nil, &SchemaError{Source: source, Issues: []string{fmt.Sprintf("parse: %v", err)}}
	}

	if err := def.validate(source); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and validates a protocol definition from disk.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening protocol definition: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDefinitionSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading protocol definition: %w", err)
	}

	return Load(data, path)
}
