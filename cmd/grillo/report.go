package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/grillo/pkg/client"
	"github.com/go-go-golems/grillo/pkg/config"
	"github.com/go-go-golems/grillo/pkg/interview"
)

func newReportCommand() *cobra.Command {
	var out, format string
	cmd := &cobra.Command{
		Use:         "report <session-id>",
		Short:       "Fetch the report of a finished interview",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"client.server": "server"},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			c, err := client.New(s.Client.Server)
			if err != nil {
				return err
			}
			rep, err := c.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out == "" {
				data, err := encodeReport(format, rep)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return writeReport(out, format, rep)
		},
	}
	cmd.Flags().String("server", config.Defaults().Client.Server, "grillo server URL")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&format, "format", "yaml", "yaml or json")
	return cmd
}

func writeReport(path, format string, rep *interview.Report) error {
	data, err := encodeReport(format, rep)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write report %s", path)
}

// encodeReport renders the report with its JSON field names in either
// format. YAML keeps the field order by going through a yaml.Node.
func encodeReport(format string, rep *interview.Report) ([]byte, error) {
	js, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode report")
	}
	switch format {
	case "json":
		return append(js, '\n'), nil
	case "yaml", "":
		var node yaml.Node
		if err := yaml.Unmarshal(js, &node); err != nil {
			return nil, errors.Wrap(err, "convert report")
		}
		blockStyle(&node)
		return yaml.Marshal(&node)
	default:
		return nil, errors.Errorf("unknown report format %q", format)
	}
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
