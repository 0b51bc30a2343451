package cli

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/ir"
)

// Plan is the document an issuer submits: a WorkUnit and its SubUnits.
type Plan struct {
	WorkUnit ir.WorkUnit  `json:"work_unit"`
	SubUnits []ir.SubUnit `json:"sub_units"`
}

// artifactSchemas maps a schema name to an instance of its type.
var artifactSchemas = map[string]any{
	"work-unit": Plan{},
	"report":    ir.ExecutionReport{},
	"proof":     ir.Proof{},
	"challenge": ir.Challenge{},
	"entry":     ir.LedgerEntry{},
}

// SchemaNames lists the artifacts schema can describe.
func SchemaNames() []string {
	return slices.Sorted(maps.Keys(artifactSchemas))
}

// Schema returns the JSON Schema of the named artifact.
func Schema(name string) (*jsonschema.Schema, error) {
	v, ok := artifactSchemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown artifact %q (one of %v)", name, SchemaNames())
	}
	r := jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(v)
	s.Title = name
	return s, nil
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <artifact>",
		Short: "Print the JSON Schema of a submitted artifact",
		Long: fmt.Sprintf(`Print the JSON Schema of an artifact agents and issuers submit.

Artifacts: %v`, SchemaNames()),
		Args:      cobra.ExactArgs(1),
		ValidArgs: SchemaNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := Schema(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "schema", err)
			}
			if rootOpts.Format == "json" {
				return newFormatter(rootOpts, cmd).Success(s)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
}
