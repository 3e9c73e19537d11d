package contract

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// itemSchema is a compiled schema plus the required field list read from the
// same document, so missing-field reports and type checks never drift apart.
type itemSchema struct {
	name     string
	schema   *jsonschema.Schema
	required []string
}

var (
	scoredItemSchema = mustLoadSchema("scored_item")
	eliteItemSchema  = mustLoadSchema("elite_item")
	summarySchema    = mustLoadSchema("run_summary")
)

func mustLoadSchema(name string) *itemSchema {
	s, err := loadSchema(name)
	if err != nil {
		panic(fmt.Sprintf("contract: load schema %s: %v", name, err))
	}
	return s
}

func loadSchema(name string) (*itemSchema, error) {
	file := "schemas/" + name + ".schema.json"
	b, err := schemaFS.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(name + ".json")
	if err != nil {
		return nil, err
	}
	return &itemSchema{name: name, schema: compiled, required: doc.Required}, nil
}

// missing returns required fields absent from row, sorted.
func (s *itemSchema) missing(row map[string]any) []string {
	var out []string
	for _, f := range s.required {
		if _, ok := row[f]; !ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// check runs the schema and returns the first type violation, or "".
func (s *itemSchema) check(row map[string]any) string {
	err := s.schema.Validate(row)
	if err == nil {
		return ""
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaves := collectLeaves(ve, nil)
	if len(leaves) == 0 {
		return ve.Message
	}
	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].InstanceLocation < leaves[j].InstanceLocation
	})
	first := leaves[0]
	loc := strings.TrimPrefix(first.InstanceLocation, "/")
	if loc == "" {
		return first.Message
	}
	return loc + ": " + first.Message
}

func collectLeaves(ve *jsonschema.ValidationError, out []*jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return append(out, ve)
	}
	for _, c := range ve.Causes {
		out = collectLeaves(c, out)
	}
	return out
}
