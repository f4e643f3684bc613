package envelope

import (
	"errors"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const schemaJSON = `{
  "type": "object",
  "required": ["event", "payload"],
  "properties": {
    "event": {"type": "string", "minLength": 1}
  }
}`

var schema = mustSchema(schemaJSON)

func mustSchema(s string) *gojsonschema.Schema {
	sch, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(err)
	}
	return sch
}

func validateShape(b []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	var msgs []string
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
