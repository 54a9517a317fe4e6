package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/inference"
	"github.com/hpungsan/lotl/internal/mcp"
	"github.com/hpungsan/lotl/internal/ops"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
	"github.com/hpungsan/lotl/internal/web"
)

// maxStdinBytes caps JSON piped to add, update and apply-results.
const maxStdinBytes = 16 << 20

// newCLIApp creates the CLI application with all commands.
func newCLIApp(st *store.Store, client mcp.Inference, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "lotl",
		Usage:   "Local image annotation store",
		Version: Version,
		Commands: []*cli.Command{
			listCmd(st),
			fetchCmd(st),
			addCmd(st),
			updateCmd(st),
			deleteCmd(st),
			deleteWhereCmd(st),
			applyResultsCmd(st),
			processCmd(st, client, cfg),
			modelsCmd(client),
			inventoryCmd(st),
			flushCmd(st),
			dumpCmd(st),
			exportCmd(st, cfg),
			importCmd(st, cfg),
			importLegacyCmd(st, cfg),
			embedPNGCmd(st, cfg),
			serveCmd(st, client, cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// filterFlags are shared by commands that select records by state.
func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "processed", Usage: "Only records with this processed flag (--processed=false for unprocessed)"},
		&cli.BoolFlag{Name: "verified", Usage: "Only records with this verified flag"},
	}
}

// optionalBool returns the flag value only when it was given.
func optionalBool(c *cli.Context, name string) *bool {
	if !c.IsSet(name) {
		return nil
	}
	v := c.Bool(name)
	return &v
}

// optionalString returns the flag value only when it was given.
func optionalString(c *cli.Context, name string) *string {
	if !c.IsSet(name) {
		return nil
	}
	v := c.String(name)
	return &v
}

// listCmd creates the list command.
func listCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List record summaries in insertion order",
		Flags: append(filterFlags(),
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		),
		Action: func(c *cli.Context) error {
			output, err := ops.List(c.Context, st, ops.ListInput{
				Processed: optionalBool(c, "processed"),
				Verified:  optionalBool(c, "verified"),
				Limit:     c.Int("limit"),
				Offset:    c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// fetchCmd creates the fetch command. Several keys return a batch result.
func fetchCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Fetch records by source image path",
		ArgsUsage: "<key> [key...]",
		Action: func(c *cli.Context) error {
			switch c.NArg() {
			case 0:
				return outputError(errors.NewInvalidRequest("key argument is required"))
			case 1:
				output, err := ops.Fetch(st, ops.FetchInput{Key: c.Args().First()})
				if err != nil {
					return outputError(err)
				}
				return outputJSON(output)
			}

			output, err := ops.FetchMany(st, ops.FetchManyInput{Keys: c.Args().Slice()})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// annotationInput is the optional JSON piped to add and update.
type annotationInput struct {
	Keypoints   *[]record.Keypoint  `json:"keypoints"`
	BoundingBox *record.BoundingBox `json:"boundingBox"`
}

// readAnnotation decodes keypoints and bounding box from stdin when piped.
func readAnnotation() (*annotationInput, error) {
	in := &annotationInput{}
	if !stdinHasData() {
		return in, nil
	}
	text, err := readStdin(maxStdinBytes)
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	if text == "" {
		return in, nil
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid annotation JSON on stdin: %v", err))
	}
	return in, nil
}

// addCmd creates the add command.
func addCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Add a record (optionally reads {\"keypoints\", \"boundingBox\"} JSON from stdin)",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Display name (defaults to the file name)"},
			&cli.StringFlag{Name: "output", Usage: "Output image path"},
			&cli.StringFlag{Name: "model", Usage: "Model that produced the annotation"},
			&cli.StringFlag{Name: "bbox", Usage: "Bounding box as x1,y1,x2,y2"},
			&cli.BoolFlag{Name: "processed", Usage: "Mark as processed"},
			&cli.BoolFlag{Name: "verified", Usage: "Mark as verified (requires --processed)"},
		},
		Action: func(c *cli.Context) error {
			ann, err := readAnnotation()
			if err != nil {
				return outputError(err)
			}

			input := ops.AddInput{
				Key:         c.Args().First(),
				DisplayName: c.String("name"),
				OutputPath:  c.String("output"),
				Processed:   c.Bool("processed"),
				Verified:    c.Bool("verified"),
				ModelName:   c.String("model"),
			}
			if ann.Keypoints != nil {
				input.Keypoints = *ann.Keypoints
			}
			if ann.BoundingBox != nil {
				input.BoundingBox = *ann.BoundingBox
			}
			if c.IsSet("bbox") {
				box, err := parseBoundingBox(c.String("bbox"))
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.BoundingBox = box
			}

			output, err := ops.Add(st, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// updateCmd creates the update command.
func updateCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "Update fields of a record (optionally reads annotation JSON from stdin)",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "New display name"},
			&cli.StringFlag{Name: "output", Usage: "New output image path"},
			&cli.StringFlag{Name: "model", Usage: "New model name"},
			&cli.StringFlag{Name: "bbox", Usage: "New bounding box as x1,y1,x2,y2 (empty string clears)"},
			&cli.BoolFlag{Name: "processed", Usage: "Set processed"},
			&cli.BoolFlag{Name: "verified", Usage: "Set verified"},
		},
		Action: func(c *cli.Context) error {
			ann, err := readAnnotation()
			if err != nil {
				return outputError(err)
			}

			input := ops.UpdateInput{
				Key:         c.Args().First(),
				DisplayName: optionalString(c, "name"),
				OutputPath:  optionalString(c, "output"),
				ModelName:   optionalString(c, "model"),
				Processed:   optionalBool(c, "processed"),
				Verified:    optionalBool(c, "verified"),
				Keypoints:   ann.Keypoints,
				BoundingBox: ann.BoundingBox,
			}
			if c.IsSet("bbox") {
				box, err := parseBoundingBox(c.String("bbox"))
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.BoundingBox = &box
			}

			output, err := ops.Update(st, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// deleteCmd creates the delete command.
func deleteCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a record",
		ArgsUsage: "<key>",
		Action: func(c *cli.Context) error {
			output, err := ops.Delete(st, ops.DeleteInput{Key: c.Args().First()})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// deleteWhereCmd creates the delete-where command.
func deleteWhereCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "delete-where",
		Usage: "Delete every record matching the given flags",
		Flags: filterFlags(),
		Action: func(c *cli.Context) error {
			input := ops.BulkDeleteInput{
				Processed: optionalBool(c, "processed"),
				Verified:  optionalBool(c, "verified"),
			}
			if input.Processed == nil && input.Verified == nil {
				return outputError(errors.NewInvalidRequest("at least one of --processed or --verified is required"))
			}

			output, err := ops.BulkDelete(c.Context, st, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// applyResultsCmd creates the apply-results command.
func applyResultsCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "apply-results",
		Usage: "Apply inference results (a JSON array read from stdin) to records by display name",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "Model name recorded on updated records"},
		},
		Action: func(c *cli.Context) error {
			if !stdinHasData() {
				return outputError(errors.NewInvalidRequest("results must be piped via stdin"))
			}
			text, err := readStdin(maxStdinBytes)
			if err != nil {
				return outputError(errors.NewInvalidRequest(err.Error()))
			}

			var results []inference.Result
			if err := json.Unmarshal([]byte(text), &results); err != nil {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("invalid results JSON: %v", err)))
			}

			output, err := ops.ApplyResults(c.Context, st, ops.ApplyResultsInput{
				Results:   results,
				ModelName: c.String("model"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// processCmd creates the process command.
func processCmd(st *store.Store, client mcp.Inference, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "process",
		Usage:     "Run keypoint inference (all unprocessed records when no keys are given)",
		ArgsUsage: "[key...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "Model variant (default: service default)"},
		},
		Action: func(c *cli.Context) error {
			if client == nil {
				return outputError(errors.NewInferenceUnavailable("no inference service configured", nil))
			}

			output, err := ops.Process(c.Context, st, client, cfg, ops.ProcessInput{
				Keys:  c.Args().Slice(),
				Model: c.String("model"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// modelsCmd creates the models command.
func modelsCmd(client mcp.Inference) *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List model variants offered by the inference service",
		Action: func(c *cli.Context) error {
			if client == nil {
				return outputError(errors.NewInferenceUnavailable("no inference service configured", nil))
			}

			models, err := client.Models(c.Context)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(map[string]any{"models": models})
		},
	}
}

// inventoryCmd creates the inventory command.
func inventoryCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "inventory",
		Usage: "Count records by annotation state and model",
		Action: func(c *cli.Context) error {
			output, err := ops.Inventory(c.Context, st)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// flushCmd creates the flush command.
func flushCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "flush",
		Usage: "Write the store file now",
		Action: func(c *cli.Context) error {
			output, err := ops.Flush(st)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// dumpCmd creates the dump command. Output is markdown, not JSON.
func dumpCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "dump",
		Usage: "Print the store as a markdown report",
		Action: func(c *cli.Context) error {
			output, err := ops.Dump(st)
			if err != nil {
				return outputError(err)
			}

			_, err = io.WriteString(os.Stdout, output.Markdown)
			return err
		},
	}
}

// exportCmd creates the export command.
func exportCmd(st *store.Store, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export records to a JSONL file",
		Flags: append(filterFlags(),
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.lotl/exports/annotations-<timestamp>.jsonl)"},
			&cli.BoolFlag{Name: "compress", Aliases: []string{"z"}, Usage: "Write zstd-compressed .jsonl.zst"},
		),
		Action: func(c *cli.Context) error {
			output, err := ops.Export(c.Context, st, cfg, ops.ExportInput{
				Path:      c.String("path"),
				Processed: optionalBool(c, "processed"),
				Verified:  optionalBool(c, "verified"),
				Compress:  c.Bool("compress"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// importCmd creates the import command.
func importCmd(st *store.Store, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import records from a JSONL export",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path (.jsonl or .jsonl.zst)"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|skip|replace"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Import(c.Context, st, cfg, ops.ImportInput{
				Path: c.String("path"),
				Mode: ops.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// importLegacyCmd creates the import-legacy command.
func importLegacyCmd(st *store.Store, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "import-legacy",
		Usage: "Migrate records from a legacy SQLite annotation database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Database file path (.db, .sqlite, .sqlite3)"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|skip|replace"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ImportLegacy(c.Context, st, cfg, ops.ImportLegacyInput{
				Path: c.String("path"),
				Mode: ops.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// embedPNGCmd creates the embed-png command.
func embedPNGCmd(st *store.Store, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "embed-png",
		Usage:     "Write a copy of a PNG with the record's annotations in text chunks",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Usage: "PNG to annotate (default: the record's output path)"},
			&cli.StringFlag{Name: "dest", Aliases: []string{"d"}, Usage: "Output .png (default: ~/.lotl/exports/<name>.png)"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.EmbedPNG(st, cfg, ops.EmbedPNGInput{
				Key:    c.Args().First(),
				Source: c.String("source"),
				Dest:   c.String("dest"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// serveCmd creates the serve command for the web UI.
func serveCmd(st *store.Store, client mcp.Inference, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the web UI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Value: 8420, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			srv := web.NewServer(st, client, cfg, Version, c.String("bind"), c.Int("port"))
			return web.Run(srv)
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if le, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", le.Code, le.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}

// parseBoundingBox parses "x1,y1,x2,y2". An empty string clears the box.
func parseBoundingBox(s string) (record.BoundingBox, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return record.BoundingBox{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bounding box must have 4 comma-separated values, got %d", len(parts))
	}
	box := make(record.BoundingBox, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bounding box value %q", p)
		}
		box[i] = v
	}
	return box, nil
}
