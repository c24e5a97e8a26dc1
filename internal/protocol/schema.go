package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"buildcraft.ai/internal/sim/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "mem://buildcraft/schemas/"

var (
	schemasOnce sync.Once
	schemasErr  error
	buildSchema *jsonschema.Schema
	helloSchema *jsonschema.Schema
)

func loadSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range []string{"build.schema.json", "hello.schema.json"} {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemasErr = err
			return
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(raw)); err != nil {
			schemasErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
	}
	if buildSchema, schemasErr = c.Compile(schemaBase + "build.schema.json"); schemasErr != nil {
		return
	}
	helloSchema, schemasErr = c.Compile(schemaBase + "hello.schema.json")
}

func validate(s **jsonschema.Schema, raw []byte) error {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return fmt.Errorf("schemas: %w", schemasErr)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return (*s).Validate(v)
}

// DecodeBuild validates raw against the build message schema, decodes it and
// checks the object invariants. Any error means the frame must be dropped.
func DecodeBuild(raw []byte) (BuildMsg, model.Mutation, error) {
	if err := validate(&buildSchema, raw); err != nil {
		return BuildMsg{}, model.Mutation{}, fmt.Errorf("build message: %w", err)
	}
	var msg BuildMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return BuildMsg{}, model.Mutation{}, fmt.Errorf("build message: %w", err)
	}
	mut, err := msg.Mutation()
	if err != nil {
		return BuildMsg{}, model.Mutation{}, err
	}
	return msg, mut, nil
}

func DecodeHello(raw []byte) (HelloMsg, error) {
	if err := validate(&helloSchema, raw); err != nil {
		return HelloMsg{}, fmt.Errorf("hello: %w", err)
	}
	var h HelloMsg
	if err := json.Unmarshal(raw, &h); err != nil {
		return HelloMsg{}, fmt.Errorf("hello: %w", err)
	}
	return h, nil
}
