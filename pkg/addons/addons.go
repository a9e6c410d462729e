package addons

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/herd/pkg/log"
	"github.com/rs/zerolog"
)

// Addon is one addon entry, given as "name" or "name:argument"
type Addon struct {
	Name string
	Arg  string
}

// String returns the form passed to the enable command
func (a Addon) String() string {
	if a.Arg == "" {
		return a.Name
	}
	return a.Name + ":" + a.Arg
}

// ParseAddon parses a single "name" or "name:argument" entry
func ParseAddon(s string) (Addon, error) {
	s = strings.TrimSpace(s)
	name, arg, _ := strings.Cut(s, ":")
	if name == "" {
		return Addon{}, fmt.Errorf("invalid addon %q: missing name", s)
	}
	if strings.ContainsAny(name, " \t") {
		return Addon{}, fmt.Errorf("invalid addon %q: name contains whitespace", s)
	}
	return Addon{Name: name, Arg: arg}, nil
}

// Parse parses addon entries. Each entry may itself hold several
// whitespace-separated addons. A later entry for the same name replaces an
// earlier one. The result is sorted by name.
func Parse(entries []string) ([]Addon, error) {
	byName := make(map[string]Addon)
	for _, entry := range entries {
		for _, field := range strings.Fields(entry) {
			a, err := ParseAddon(field)
			if err != nil {
				return nil, err
			}
			byName[a.Name] = a
		}
	}

	out := make([]Addon, 0, len(byName))
	for _, a := range byName {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Plan is the ordered set of calls that converges enabled addons to a target
type Plan struct {
	// Disable holds addon names, applied before any enable
	Disable []string
	// Enable holds full addon forms
	Enable []string
}

// Empty reports whether the plan has nothing to do
func (p Plan) Empty() bool {
	return len(p.Disable) == 0 && len(p.Enable) == 0
}

// Diff computes the plan turning enabled into target. An addon whose
// argument changed is disabled under its old form and enabled under the new.
func Diff(enabled, target []Addon) Plan {
	current := make(map[string]Addon, len(enabled))
	for _, a := range enabled {
		current[a.Name] = a
	}
	wanted := make(map[string]Addon, len(target))
	for _, a := range target {
		wanted[a.Name] = a
	}

	var plan Plan
	for name, a := range current {
		w, ok := wanted[name]
		if !ok || w.Arg != a.Arg {
			plan.Disable = append(plan.Disable, name)
		}
	}
	for name, w := range wanted {
		a, ok := current[name]
		if !ok || a.Arg != w.Arg {
			plan.Enable = append(plan.Enable, w.String())
		}
	}

	sort.Strings(plan.Disable)
	sort.Strings(plan.Enable)
	return plan
}

// Agent is the subset of the cluster agent that manages addons
type Agent interface {
	EnableAddon(ctx context.Context, spec string) error
	DisableAddon(ctx context.Context, name string) error
}

// Reconciler applies addon plans through an agent
type Reconciler struct {
	agent  Agent
	logger zerolog.Logger
}

// NewReconciler creates an addon reconciler
func NewReconciler(agent Agent) *Reconciler {
	return &Reconciler{
		agent:  agent,
		logger: log.WithComponent("addons"),
	}
}

// Apply converges enabled toward target and returns the addons enabled
// afterwards, in their "name[:argument]" form. On failure the returned list
// reflects the calls that did succeed, so the next pass resumes from there.
func (r *Reconciler) Apply(ctx context.Context, enabled []string, target []string) ([]string, error) {
	have, err := Parse(enabled)
	if err != nil {
		return enabled, fmt.Errorf("failed to parse enabled addons: %w", err)
	}
	want, err := Parse(target)
	if err != nil {
		return enabled, fmt.Errorf("failed to parse target addons: %w", err)
	}

	state := make(map[string]Addon, len(have))
	for _, a := range have {
		state[a.Name] = a
	}

	plan := Diff(have, want)
	if plan.Empty() {
		return Format(have), nil
	}

	r.logger.Info().
		Strs("disable", plan.Disable).
		Strs("enable", plan.Enable).
		Msg("Reconciling addons")

	for _, name := range plan.Disable {
		if err := r.agent.DisableAddon(ctx, name); err != nil {
			return formatMap(state), fmt.Errorf("failed to disable addon %s: %w", name, err)
		}
		delete(state, name)
	}
	for _, spec := range plan.Enable {
		a, _ := ParseAddon(spec)
		if err := r.agent.EnableAddon(ctx, spec); err != nil {
			return formatMap(state), fmt.Errorf("failed to enable addon %s: %w", spec, err)
		}
		state[a.Name] = a
	}

	return formatMap(state), nil
}

// Format returns the sorted "name[:argument]" forms of addons
func Format(addons []Addon) []string {
	out := make([]string, 0, len(addons))
	for _, a := range addons {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}

func formatMap(m map[string]Addon) []string {
	list := make([]Addon, 0, len(m))
	for _, a := range m {
		list = append(list, a)
	}
	return Format(list)
}
