package charter

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaCUE string

// Validate unifies the raw YAML document with the embedded #Charter schema.
// It catches shape errors (missing sections, bad enum spellings, wrongly
// typed fields) before the decoder runs, with positioned messages.
func Validate(raw []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("internal schema error: %w", err)
	}

	doc, err := yaml.Extract("charter.yaml", raw)
	if err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	value := ctx.BuildFile(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Charter")).Unify(value)
	if err := unified.Validate(cue.Final()); err != nil {
		return fmt.Errorf("schema violation: %s", errors.Details(err, nil))
	}
	return nil
}
