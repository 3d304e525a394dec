package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// definitionFile is a definition as written in YAML or JSON. The flags
// default to true when omitted.
type definitionFile struct {
	models.WorkflowDefinition
	Active  *bool `json:"active"`
	Enabled *bool `json:"enabled"`
}

// readDefinition parses a YAML (or JSON) definition file. YAML is decoded
// generically and re-encoded as JSON so a single set of struct tags serves
// both formats and task configs stay opaque JSON.
func readDefinition(path string) (models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to read %s", path)
	}
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to parse %s", path)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to convert %s", path)
	}
	var file definitionFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to decode %s", path)
	}
	def := file.WorkflowDefinition
	def.Active = file.Active == nil || *file.Active
	def.Enabled = file.Enabled == nil || *file.Enabled
	return def, nil
}

// applyDefinition creates the workflow, or appends a version when it exists.
func applyDefinition(ctx context.Context, wf *service.WorkflowService, def models.WorkflowDefinition) (models.WorkflowDefinition, bool, error) {
	if _, err := wf.GetWorkflow(ctx, def.Name); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return models.WorkflowDefinition{}, false, err
		}
		created, err := wf.CreateWorkflow(ctx, def)
		return created, true, err
	}
	updated, err := wf.UpdateWorkflow(ctx, def)
	return updated, false, err
}

func newDefinitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def", "workflow"},
		Short:   "Manage workflow definitions",
	}
	cmd.AddCommand(
		newApplyCmd(),
		&cobra.Command{
			Use:   "list",
			Short: "List every workflow at its current version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withEngine(cmd.Context(), func(e *service.Engine) error {
					defs, err := e.Workflows().ListWorkflows(cmd.Context())
					if err != nil {
						return err
					}
					if len(defs) == 0 {
						printf(cmd.OutOrStdout(), "No workflows found.\n")
						return nil
					}
					printDefinitions(cmd.OutOrStdout(), defs)
					return nil
				})
			},
		},
		newGetDefinitionCmd(),
		&cobra.Command{
			Use:   "versions NAME",
			Short: "List every version of a workflow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(e *service.Engine) error {
					defs, err := e.Workflows().ListVersions(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					printDefinitions(cmd.OutOrStdout(), defs)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "restore NAME VERSION",
			Short: "Append a copy of an older version as the current one",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("version must be an integer: %w", err)
				}
				return withEngine(cmd.Context(), func(e *service.Engine) error {
					def, err := e.Workflows().RestoreVersion(cmd.Context(), args[0], version)
					if err != nil {
						return err
					}
					printf(cmd.OutOrStdout(), "Restored workflow '%s' version %d as version %d\n", def.Name, version, def.Version)
					return nil
				})
			},
		},
		newFlagCmd("activate", "Allow new runs of a workflow", func(ctx context.Context, wf *service.WorkflowService, name string) (string, error) {
			return fmt.Sprintf("Workflow '%s' activated\n", name), wf.Activate(ctx, name)
		}),
		newFlagCmd("deactivate", "Reject new runs of a workflow", func(ctx context.Context, wf *service.WorkflowService, name string) (string, error) {
			return fmt.Sprintf("Workflow '%s' deactivated\n", name), wf.Deactivate(ctx, name)
		}),
		newFlagCmd("toggle", "Flip whether the scheduler triggers a workflow", func(ctx context.Context, wf *service.WorkflowService, name string) (string, error) {
			enabled, err := wf.ToggleEnabled(ctx, name)
			return fmt.Sprintf("Workflow '%s' enabled: %t\n", name, enabled), err
		}),
		newFlagCmd("delete", "Delete a workflow, or deactivate it when it has runs", func(ctx context.Context, wf *service.WorkflowService, name string) (string, error) {
			deleted, err := wf.DeleteWorkflow(ctx, name)
			if !deleted {
				return fmt.Sprintf("Workflow '%s' has runs; deactivated instead of deleting\n", name), err
			}
			return fmt.Sprintf("Deleted workflow '%s'\n", name), err
		}),
	)
	return cmd
}

func newApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f FILE",
		Short: "Create a workflow or append a new version from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := readDefinition(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(e *service.Engine) error {
				saved, created, err := applyDefinition(cmd.Context(), e.Workflows(), def)
				if err != nil {
					return err
				}
				if created {
					printf(cmd.OutOrStdout(), "Created workflow '%s' version %d\n", saved.Name, saved.Version)
				} else {
					printf(cmd.OutOrStdout(), "Updated workflow '%s' to version %d\n", saved.Name, saved.Version)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newGetDefinitionCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Print a workflow definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *service.Engine) error {
				var (
					def models.WorkflowDefinition
					err error
				)
				if version > 0 {
					def, err = e.Workflows().GetVersion(cmd.Context(), args[0], version)
				} else {
					def, err = e.Workflows().GetWorkflow(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), def)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version to print (default: current)")
	return cmd
}

func newFlagCmd(use, short string, apply func(context.Context, *service.WorkflowService, string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *service.Engine) error {
				msg, err := apply(cmd.Context(), e.Workflows(), args[0])
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "%s", msg)
				return nil
			})
		},
	}
}

func printDefinitions(out io.Writer, defs []models.WorkflowDefinition) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	printf(tw, "NAME\tVERSION\tACTIVE\tENABLED\tSCHEDULE\tTASKS\n")
	for _, d := range defs {
		printf(tw, "%s\t%d\t%t\t%t\t%s\t%d\n", d.Name, d.Version, d.Active, d.Enabled, d.Schedule, len(d.Tasks))
	}
	_ = tw.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
