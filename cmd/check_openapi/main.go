package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]any `yaml:"paths"`
	Components struct {
		Schemas   map[string]schema `yaml:"schemas"`
		Responses map[string]any    `yaml:"responses"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// servedRoutes lists what internal/server registers. Keep in sync with
// Server.routes.
var servedRoutes = map[string][]string{
	"/":                          {"get"},
	"/test":                      {"get"},
	"/healthz":                   {"get"},
	"/api/subjects":              {"get", "post"},
	"/api/books":                 {"get"},
	"/api/books/upload":          {"post"},
	"/api/lessons":               {"get", "post"},
	"/api/lessons/{id}":          {"get", "patch"},
	"/api/progress":              {"get", "post"},
	"/api/schedules":             {"get", "post"},
	"/internal/books/{id}/pages": {"patch"},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		exitErr(fmt.Errorf("read %s: %w", os.Args[1], err))
	}
	if err := check(raw); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(raw []byte) error {
	var doc openAPIDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	if err := validateRoutes(doc); err != nil {
		return err
	}
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return validateRefs(doc, tree)
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

// validateErrorResponse pins the schema to the body written by writeError.
func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "request_id"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	if len(s.Properties) != 3 {
		return fmt.Errorf("ErrorResponse has %d properties, want 3", len(s.Properties))
	}
	return nil
}

func validateRoutes(doc openAPIDoc) error {
	var problems []string
	for path, methods := range servedRoutes {
		ops, ok := doc.Paths[path]
		if !ok {
			problems = append(problems, "missing path "+path)
			continue
		}
		for _, method := range methods {
			if _, ok := ops[method]; !ok {
				problems = append(problems, fmt.Sprintf("missing %s %s", strings.ToUpper(method), path))
			}
		}
	}
	for path := range doc.Paths {
		if _, ok := servedRoutes[path]; !ok {
			problems = append(problems, "documented path not served: "+path)
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New(strings.Join(problems, "; "))
}

// validateRefs checks every local $ref points at a defined component.
func validateRefs(doc openAPIDoc, tree any) error {
	var missing []string
	walk(tree, func(ref string) {
		const schemas, responses = "#/components/schemas/", "#/components/responses/"
		switch {
		case strings.HasPrefix(ref, schemas):
			if _, ok := doc.Components.Schemas[strings.TrimPrefix(ref, schemas)]; !ok {
				missing = append(missing, ref)
			}
		case strings.HasPrefix(ref, responses):
			if _, ok := doc.Components.Responses[strings.TrimPrefix(ref, responses)]; !ok {
				missing = append(missing, ref)
			}
		default:
			missing = append(missing, ref)
		}
	})
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("unresolved refs: %s", strings.Join(missing, ", "))
}

func walk(node any, visit func(string)) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if key == "$ref" {
				if ref, ok := child.(string); ok {
					visit(strings.TrimSpace(ref))
				}
				continue
			}
			walk(child, visit)
		}
	case []any:
		for _, child := range v {
			walk(child, visit)
		}
	}
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
