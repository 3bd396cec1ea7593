package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/phast-fr/cql-proxy/internal/execution"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

type evalOptions struct {
	req    execution.Request
	output string
}

func evalCmd(a *app) *cobra.Command {
	opts := &evalOptions{}

	cmd := &cobra.Command{
		Use:   "eval <file.cql>",
		Short: "Evaluate a CQL file against remote FHIR services and print the result Bundle",
		Long: `Evaluate a CQL file the way POST /r4/fhir/$cql would and print the
result Bundle. Use "-" to read the script from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readScript(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			opts.req.Code = code
			if err := opts.req.Validate(); err != nil {
				return err
			}

			bundle := a.newService().Execute(cmd.Context(), opts.req)
			return writeBundle(cmd.OutOrStdout(), bundle, opts.output)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.req.PatientID, "patient", "", "patient id for the Patient context")
	f.StringVar(&opts.req.LibraryServiceURI, "library-uri", "", "base URL of the library repository")
	f.StringVar(&opts.req.LibraryCredential, "library-credential", "", "user:password of the library repository")
	f.StringVar(&opts.req.TerminologyServiceURI, "terminology-uri", "", "base URL of the terminology server")
	f.StringVar(&opts.req.TerminologyCredential, "terminology-credential", "", "user:password of the terminology server")
	f.StringVar(&opts.req.DataServiceURI, "data-uri", "", "base URL of the data repository")
	f.StringVar(&opts.req.DataServiceToken, "data-token", os.Getenv("CQL_PROXY_DATA_TOKEN"), "bearer token of the data repository")
	f.StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func readScript(path string, stdin io.Reader) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(b), nil
}

// writeBundle prints b as indented JSON, or as YAML converted from that
// JSON so field names stay the FHIR ones.
func writeBundle(w io.Writer, b *r4.Bundle, format string) error {
	out, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	switch format {
	case "json":
	case "yaml":
		if out, err = yaml.JSONToYAML(out); err != nil {
			return fmt.Errorf("convert bundle to yaml: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if _, err := w.Write(out); err != nil {
		return err
	}
	if format == "json" {
		_, err = fmt.Fprintln(w)
	}
	return err
}
