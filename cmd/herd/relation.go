package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cuemby/herd/pkg/relation"
	"github.com/cuemby/herd/pkg/storage"
	"github.com/cuemby/herd/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Fixture is the YAML form of the relations held in the local store
type Fixture struct {
	Relations []RelationFixture `yaml:"relations"`
}

// RelationFixture is one relation: its units and the data of each scope
type RelationFixture struct {
	ID    string         `yaml:"id"`
	Units []types.PeerID `yaml:"units"`
	// Apps maps an application name to its key-value data
	Apps map[string]map[string]string `yaml:"apps,omitempty"`
	// UnitData maps a unit to its key-value data
	UnitData map[types.PeerID]map[string]string `yaml:"unit_data,omitempty"`
}

var relationCmd = &cobra.Command{
	Use:   "relation",
	Short: "Inspect and seed relation data in the local store",
}

var relationImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Load relations from a YAML fixture",
	Long: `Load relations from a YAML fixture:

  relations:
    - id: peer:1
      units: [microk8s/0, microk8s/1]
      apps:
        microk8s:
          herd: '{"offers":{}}'
      unit_data:
        microk8s/1:
          herd: '{"hostname":"node-b"}'

Units are added to the relation and every key is written. Existing data
not named in the fixture is kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}

		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", file, err)
		}
		defer f.Close()

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := importFixture(cmd.Context(), rt.store, f)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d relation(s)\n", n)
		return nil
	},
}

var relationDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the relations in the local store as a YAML fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		fixture, err := dumpFixture(cmd.Context(), rt.store)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(fixture)
	},
}

var relationSetCmd = &cobra.Command{
	Use:   "set RELATION SCOPE KEY VALUE",
	Short: "Write one key of relation data",
	Long: `Write one key of relation data. SCOPE is "app:<application>" or
"unit:<application>/<number>".`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[1])
		if err != nil {
			return err
		}

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		return rt.store.Set(cmd.Context(), args[0], scope, args[2], args[3])
	},
}

var relationBreakCmd = &cobra.Command{
	Use:   "break RELATION",
	Short: "Drop a relation with all its units and data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		return rt.store.DropRelation(cmd.Context(), args[0])
	},
}

func init() {
	relationImportCmd.Flags().StringP("file", "f", "", "Path to the YAML fixture")

	relationCmd.AddCommand(relationImportCmd)
	relationCmd.AddCommand(relationDumpCmd)
	relationCmd.AddCommand(relationSetCmd)
	relationCmd.AddCommand(relationBreakCmd)
}

// parseScope parses "app:<name>" or "unit:<name>/<n>"
func parseScope(s string) (relation.Scope, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return relation.Scope{}, fmt.Errorf("invalid scope %q: expected app:<name> or unit:<name>/<n>", s)
	}
	switch kind {
	case "app":
		return relation.AppScope(name), nil
	case "unit":
		if !strings.Contains(name, "/") {
			return relation.Scope{}, fmt.Errorf("invalid unit %q: expected <name>/<n>", name)
		}
		return relation.UnitScope(types.PeerID(name)), nil
	default:
		return relation.Scope{}, fmt.Errorf("invalid scope kind %q", kind)
	}
}

// importFixture applies a YAML fixture to the store and returns the number
// of relations it named
func importFixture(ctx context.Context, store storage.Store, r io.Reader) (int, error) {
	var fixture Fixture
	if err := yaml.NewDecoder(r).Decode(&fixture); err != nil {
		return 0, fmt.Errorf("failed to parse fixture: %w", err)
	}

	for _, rel := range fixture.Relations {
		if rel.ID == "" {
			return 0, fmt.Errorf("relation without id")
		}
		for _, unit := range rel.Units {
			if err := store.AddUnit(ctx, rel.ID, unit); err != nil {
				return 0, err
			}
		}
		for app, data := range rel.Apps {
			if err := setAll(ctx, store, rel.ID, relation.AppScope(app), data); err != nil {
				return 0, err
			}
		}
		for unit, data := range rel.UnitData {
			if err := setAll(ctx, store, rel.ID, relation.UnitScope(unit), data); err != nil {
				return 0, err
			}
		}
	}
	return len(fixture.Relations), nil
}

func setAll(ctx context.Context, store relation.Store, rel string, scope relation.Scope, data map[string]string) error {
	for key, value := range data {
		if err := store.Set(ctx, rel, scope, key, value); err != nil {
			return fmt.Errorf("failed to set %s %s %s: %w", rel, scope, key, err)
		}
	}
	return nil
}

// dumpFixture reads the herd envelope of every application and unit taking
// part in each relation
func dumpFixture(ctx context.Context, catalog relation.Catalog) (*Fixture, error) {
	ids, err := catalog.ListRelations(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	fixture := &Fixture{Relations: []RelationFixture{}}
	for _, id := range ids {
		units, err := catalog.ListUnits(ctx, id)
		if err != nil {
			return nil, err
		}

		rel := RelationFixture{ID: id, Units: units}
		seen := make(map[string]bool)
		for _, unit := range units {
			if app := unit.App(); !seen[app] {
				seen[app] = true
				value, ok, err := catalog.Get(ctx, id, relation.AppScope(app), relation.EnvelopeKey)
				if err != nil {
					return nil, err
				}
				if ok {
					if rel.Apps == nil {
						rel.Apps = make(map[string]map[string]string)
					}
					rel.Apps[app] = map[string]string{relation.EnvelopeKey: value}
				}
			}

			value, ok, err := catalog.Get(ctx, id, relation.UnitScope(unit), relation.EnvelopeKey)
			if err != nil {
				return nil, err
			}
			if ok {
				if rel.UnitData == nil {
					rel.UnitData = make(map[types.PeerID]map[string]string)
				}
				rel.UnitData[unit] = map[string]string{relation.EnvelopeKey: value}
			}
		}
		fixture.Relations = append(fixture.Relations, rel)
	}
	return fixture, nil
}
