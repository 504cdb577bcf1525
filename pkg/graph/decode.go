package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const schemaURL = "https://workgraph.schemas.local/graph.schema.json"

// documentSchema checks the structural shape of a graph document. Semantic
// checks (approver rights, approval order, contract parties) belong to the
// policy compiler, which reports them as findings rather than decode errors.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["party", "person", "contract"]},
          "data": {"type": ["object", "null"]}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "source", "target"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["approves", "funds", "subcontracts", "billsTo", "assigns", "worksOn"]},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "data": {"type": ["object", "null"]}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("graph schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeJSON validates a JSON graph document against the schema and decodes it.
func DecodeJSON(data []byte) (*Graph, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("graph: invalid json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("graph: schema validation failed: %w", err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("graph: decode: %w", err)
	}
	g.Normalize()
	return &g, nil
}

// DecodeYAML converts a YAML graph document to JSON and decodes it.
func DecodeYAML(data []byte) (*Graph, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("graph: invalid yaml: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("graph: yaml document is not representable as json: %w", err)
	}
	return DecodeJSON(asJSON)
}

// Decode picks the decoder from the file extension; anything other than
// .yaml/.yml is treated as JSON.
func Decode(filename string, data []byte) (*Graph, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return DecodeYAML(data)
	default:
		return DecodeJSON(data)
	}
}

// Normalize trims identifiers and puts human-entered names into NFC so that
// snapshots of visually identical graphs hash identically.
func (g *Graph) Normalize() {
	for i := range g.Nodes {
		n := &g.Nodes[i]
		n.ID = strings.TrimSpace(n.ID)
		switch d := n.Data.(type) {
		case *PartyData:
			d.Name = normalizeText(d.Name)
			d.Role = normalizeText(d.Role)
		case *PersonData:
			d.Name = normalizeText(d.Name)
			d.Email = strings.ToLower(strings.TrimSpace(d.Email))
			d.Role = normalizeText(d.Role)
		case *ContractData:
			d.Name = normalizeText(d.Name)
			d.Parties.PartyA = strings.TrimSpace(d.Parties.PartyA)
			d.Parties.PartyB = strings.TrimSpace(d.Parties.PartyB)
			for j, id := range d.Visibility.HideRateFrom {
				d.Visibility.HideRateFrom[j] = strings.TrimSpace(id)
			}
		}
	}
	for i := range g.Edges {
		e := &g.Edges[i]
		e.ID = strings.TrimSpace(e.ID)
		e.Source = strings.TrimSpace(e.Source)
		e.Target = strings.TrimSpace(e.Target)
	}
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
