package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/DoyleJ11/gpose-together/internal/protocol"
)

// wireMessages lists every payload that can travel inside an envelope, keyed
// by its envelope type.
type wireMessages struct {
	Envelope     protocol.Envelope    `json:"envelope"`
	Join         protocol.Join        `json:"join"`
	Leave        protocol.Leave       `json:"leave"`
	Push         protocol.Push        `json:"push"`
	Created      protocol.Created     `json:"created"`
	Joined       protocol.Joined      `json:"joined"`
	Left         protocol.Left        `json:"left"`
	Error        protocol.Error       `json:"error"`
	MemberJoined protocol.MemberEvent `json:"member_joined"`
	MemberLeft   protocol.MemberEvent `json:"member_left"`
	Update       protocol.UpdateEvent `json:"update"`
}

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema (stdout when empty)")
	flag.Parse()

	data, err := json.MarshalIndent(buildSchema(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal schema: %v\n", err)
		os.Exit(1)
	}
	data = append(data, '\n')

	if outPath == "" {
		os.Stdout.Write(data)
		return
	}
	if err := writeSchema(outPath, data); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(wireMessages))
	schema.Title = "gpose-together relay protocol"
	schema.Description = "Envelope and payload shapes exchanged over /ws"
	return schema
}

func writeSchema(outPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}
	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
