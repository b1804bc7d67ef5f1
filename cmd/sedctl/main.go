// Command sedctl is a thin harness over package engine: print the
// demo schema, drive one producer cycle from a JSON-lines record
// file, or inspect one record of a previously announced snapshot.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sediment/sediment/blob"
	"github.com/sediment/sediment/engine"
	"github.com/sediment/sediment/internal/config"
	"github.com/sediment/sediment/listener"
	"github.com/sediment/sediment/readstate"
	"github.com/sediment/sediment/schema"
	"github.com/sediment/sediment/store"
	"github.com/sediment/sediment/writestate"
)

// demoSchemas is the built-in schema sedctl operates on: enough shape
// (a primary key, a scalar field, a reference) to exercise every
// command without requiring a schema-definition file format of its
// own.
func demoSchemas() schema.Set {
	set, err := schema.NewSet([]schema.Schema{
		&schema.Object{
			Name: "Author",
			Fields: []schema.Field{
				{Name: "name", Type: schema.String},
			},
		},
		&schema.Object{
			Name: "Book",
			Fields: []schema.Field{
				{Name: "id", Type: schema.Int},
				{Name: "title", Type: schema.String},
				{Name: "author", Type: schema.Reference, RefTarget: "Author"},
			},
			PrimaryKey: []string{"id"},
		},
	})
	if err != nil {
		panic(err) // the built-in schema is a constant, never user input
	}
	return set
}

// bookRecord is one line of the JSON-lines input a cycle command
// populates from.
type bookRecord struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	AuthorName string `json:"author"`
}

func main() {
	root := &cobra.Command{
		Use:           "sedctl",
		Short:         "Inspect and drive a sediment dataset from the command line",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(schemaCmd(), cycleCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sedctl: %v\n", err)
		os.Exit(1)
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the built-in demo schema set",
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas := demoSchemas()
			for _, name := range schemas.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), schema.Textual(schemas.Get(name)))
			}
			return nil
		},
	}
}

func cycleCmd() *cobra.Command {
	var storeDir, recordsPath string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one producer cycle, populating Book/Author records from a JSON-lines file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd, storeDir, recordsPath)
		},
	}
	cmd.Flags().StringVar(&storeDir, "store", "./sedctl-store", "directory the blob store writes into")
	cmd.Flags().StringVar(&recordsPath, "records", "", "path to a JSON-lines file of {id,title,author} records")
	_ = cmd.MarkFlagRequired("records")
	return cmd
}

func runCycle(cmd *cobra.Command, storeDir, recordsPath string) error {
	f, err := os.Open(recordsPath)
	if err != nil {
		return fmt.Errorf("open records file: %w", err)
	}
	defer f.Close()

	var records []bookRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec bookRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse record: %w", err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read records file: %w", err)
	}

	st, err := store.Open(storeDir)
	if err != nil {
		return err
	}

	// The store listens for publish-stage failures so an aborted cycle
	// cannot leak staged blob files into the next cycle's bundle.
	fabric := &listener.Fabric{}
	fabric.Register(st)

	ds, err := engine.New(engine.Options{
		Schemas:   demoSchemas(),
		Publisher: st,
		Announcer: st,
		Fabric:    fabric,
		Config:    config.Default(),
	})
	if err != nil {
		return err
	}

	result := ds.RunCycle(context.Background(), func(_ context.Context, w *writestate.Engine) error {
		authorOrdinals := make(map[string]int64)
		for _, rec := range records {
			authorOrd, ok := authorOrdinals[rec.AuthorName]
			if !ok {
				ord, err := w.Add("Author", writestate.Record{Values: []writestate.Value{
					{Kind: schema.String, S: rec.AuthorName},
				}})
				if err != nil {
					return fmt.Errorf("add author %q: %w", rec.AuthorName, err)
				}
				authorOrd = int64(ord)
				authorOrdinals[rec.AuthorName] = authorOrd
			}
			if _, err := w.Add("Book", writestate.Record{Values: []writestate.Value{
				{Kind: schema.Int, I: rec.ID},
				{Kind: schema.String, S: rec.Title},
				{Kind: schema.Reference, RefOrd: authorOrd},
			}}); err != nil {
				return fmt.Errorf("add book %d: %w", rec.ID, err)
			}
		}
		return nil
	})

	if result.Cause != nil {
		return result.Cause
	}
	if result.Skipped {
		fmt.Fprintf(cmd.OutOrStdout(), "cycle skipped: %s\n", result.SkipReason)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cycle complete: version=%d success=%v\n", result.Version, result.Success)
	return nil
}

func inspectCmd() *cobra.Command {
	var storeDir, typeName string
	var version int64
	var ordinal uint32
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print one record's field values from an announced snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, storeDir, typeName, version, ordinal)
		},
	}
	cmd.Flags().StringVar(&storeDir, "store", "./sedctl-store", "directory the blob store was written into")
	cmd.Flags().StringVar(&typeName, "type", "Book", "schema type name to inspect")
	cmd.Flags().Int64Var(&version, "version", 0, "version to inspect (0 = current)")
	cmd.Flags().Uint32Var(&ordinal, "ordinal", 0, "ordinal within the type to print")
	return cmd
}

func runInspect(cmd *cobra.Command, storeDir, typeName string, version int64, ordinal uint32) error {
	st, err := store.Open(storeDir)
	if err != nil {
		return err
	}
	if version == 0 {
		version, err = st.CurrentVersion()
		if err != nil {
			return err
		}
		if version == 0 {
			return fmt.Errorf("no version has been announced in %q", storeDir)
		}
	}

	ctx := context.Background()
	data, err := st.RetrieveSnapshot(ctx, version)
	if err != nil {
		return err
	}
	schemas, payload, err := blob.Read(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	state, err := readstate.Build(nil, payload, schemas)
	if err != nil {
		return fmt.Errorf("build read state: %w", err)
	}

	obj, ok := schemas.Get(typeName).(*schema.Object)
	if !ok {
		return fmt.Errorf("type %q is not an object schema", typeName)
	}
	if !state.Populated(typeName).Contains(ordinal) {
		return fmt.Errorf("%s[%d] is not populated at version %d", typeName, ordinal, version)
	}
	for i, field := range obj.Fields {
		v, present := state.ReadField(typeName, ordinal, i)
		if !present {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: <null>\n", field.Name)
			continue
		}
		if field.Type == schema.Reference {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: -> %s[%d]\n", field.Name, field.RefTarget, v.RefOrd)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", field.Name, fieldValueText(v))
	}
	return nil
}

func fieldValueText(v readstate.Value) any {
	switch v.Kind {
	case schema.Bool:
		return v.B
	case schema.Int, schema.Long:
		return v.I
	case schema.Float, schema.Double:
		return v.F
	case schema.String:
		return v.S
	case schema.Bytes:
		return v.Bin
	default:
		return nil
	}
}
