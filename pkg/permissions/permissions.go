package permissions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// PlanSpec describes one plan of the catalog. Parameters holds a JSON schema
// applied to the kwargs of submitted items.
type PlanSpec struct {
	Description string                 `yaml:"description" json:"description"`
	Parameters  map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// DeviceSpec describes one device of the catalog
type DeviceSpec struct {
	Description string `yaml:"description" json:"description"`
}

// GroupPermissions holds the allow and deny lists of one user group. List
// entries are regular expressions matched against plan and device names; a
// name is allowed when it matches an allow entry and no deny entry.
type GroupPermissions struct {
	AllowedPlans     []string `yaml:"allowed_plans"`
	ForbiddenPlans   []string `yaml:"forbidden_plans"`
	AllowedDevices   []string `yaml:"allowed_devices"`
	ForbiddenDevices []string `yaml:"forbidden_devices"`
}

// Config is the on-disk layout of the permissions file
type Config struct {
	Plans      map[string]PlanSpec         `yaml:"plans"`
	Devices    map[string]DeviceSpec       `yaml:"devices"`
	UserGroups map[string]GroupPermissions `yaml:"user_groups"`
}

type compiledGroup struct {
	allowedPlans     []*regexp.Regexp
	forbiddenPlans   []*regexp.Regexp
	allowedDevices   []*regexp.Regexp
	forbiddenDevices []*regexp.Regexp
}

type compiledConfig struct {
	plans   map[string]PlanSpec
	devices map[string]DeviceSpec
	groups  map[string]compiledGroup
	schemas map[string]*jsonschema.Schema
}

// Registry serves plan and device allow lists and validates submitted items
// against them. The permissions file is reloaded on demand and on file
// change; every reload bumps the allow-list revision tags.
type Registry struct {
	mu   sync.RWMutex
	path string
	lg   zerolog.Logger

	cfg               *compiledConfig
	plansAllowedUID   string
	devicesAllowedUID string
}

// Load reads the permissions file at path and builds a registry from it
func Load(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		lg:   log.WithComponent("permissions"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rereads the permissions file and atomically replaces the compiled
// allow lists. The previous lists stay in effect if the new file fails to
// parse.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read permissions file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse permissions file: %w", err)
	}

	compiled, err := compile(&cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cfg = compiled
	r.plansAllowedUID = uuid.New().String()
	r.devicesAllowedUID = uuid.New().String()
	r.mu.Unlock()

	r.lg.Info().Str("path", r.path).
		Int("plans", len(compiled.plans)).
		Int("user_groups", len(compiled.groups)).
		Msg("permissions loaded")
	return nil
}

func compile(cfg *Config) (*compiledConfig, error) {
	compiled := &compiledConfig{
		plans:   cfg.Plans,
		devices: cfg.Devices,
		groups:  make(map[string]compiledGroup, len(cfg.UserGroups)),
		schemas: make(map[string]*jsonschema.Schema),
	}

	compileList := func(patterns []string) ([]*regexp.Regexp, error) {
		res := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
			res = append(res, re)
		}
		return res, nil
	}

	for name, group := range cfg.UserGroups {
		var cg compiledGroup
		var err error
		if cg.allowedPlans, err = compileList(group.AllowedPlans); err != nil {
			return nil, fmt.Errorf("user group '%s': %w", name, err)
		}
		if cg.forbiddenPlans, err = compileList(group.ForbiddenPlans); err != nil {
			return nil, fmt.Errorf("user group '%s': %w", name, err)
		}
		if cg.allowedDevices, err = compileList(group.AllowedDevices); err != nil {
			return nil, fmt.Errorf("user group '%s': %w", name, err)
		}
		if cg.forbiddenDevices, err = compileList(group.ForbiddenDevices); err != nil {
			return nil, fmt.Errorf("user group '%s': %w", name, err)
		}
		compiled.groups[name] = cg
	}

	for name, spec := range cfg.Plans {
		if spec.Parameters == nil {
			continue
		}
		sch, err := compileSchema(name, spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("plan '%s': invalid parameter schema: %w", name, err)
		}
		compiled.schemas[name] = sch
	}

	return compiled, nil
}

// compileSchema converts a YAML-decoded schema document to JSON value types
// and compiles it
func compileSchema(name string, raw map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("qserver:///plans/%s.json", name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Watch reloads the registry whenever the permissions file changes on disk.
// Blocks until the context is canceled. The parent directory is watched, not
// the file itself, so atomic rename-into-place updates are picked up.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch permissions directory: %w", err)
	}

	target := filepath.Base(r.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.lg.Error().Err(err).Msg("failed to reload permissions, keeping previous lists")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.lg.Error().Err(err).Msg("file watcher error")
		}
	}
}

func (g compiledGroup) planAllowed(name string) bool {
	return matchLists(name, g.allowedPlans, g.forbiddenPlans)
}

func (g compiledGroup) deviceAllowed(name string) bool {
	return matchLists(name, g.allowedDevices, g.forbiddenDevices)
}

func matchLists(name string, allowed, forbidden []*regexp.Regexp) bool {
	ok := false
	for _, re := range allowed {
		if re.MatchString(name) {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	for _, re := range forbidden {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}

// PlansAllowed returns the plan catalog filtered by the group's allow lists
// together with the plans-allowed revision tag
func (r *Registry) PlansAllowed(userGroup string) (map[string]PlanSpec, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.cfg.groups[userGroup]
	if !ok {
		return nil, "", fmt.Errorf("Unknown user group: '%s'", userGroup)
	}

	plans := make(map[string]PlanSpec)
	for name, spec := range r.cfg.plans {
		if group.planAllowed(name) {
			plans[name] = spec
		}
	}
	return plans, r.plansAllowedUID, nil
}

// DevicesAllowed returns the device catalog filtered by the group's allow
// lists together with the devices-allowed revision tag
func (r *Registry) DevicesAllowed(userGroup string) (map[string]DeviceSpec, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.cfg.groups[userGroup]
	if !ok {
		return nil, "", fmt.Errorf("Unknown user group: '%s'", userGroup)
	}

	devices := make(map[string]DeviceSpec)
	for name, spec := range r.cfg.devices {
		if group.deviceAllowed(name) {
			devices[name] = spec
		}
	}
	return devices, r.devicesAllowedUID, nil
}

// PlansAllowedUID returns the plans-allowed revision tag
func (r *Registry) PlansAllowedUID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plansAllowedUID
}

// DevicesAllowedUID returns the devices-allowed revision tag
func (r *Registry) DevicesAllowedUID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devicesAllowedUID
}

// ValidateItem checks a submitted item before it may enter the queue: the
// submitting user and group must be present, the group must exist, a plan
// must be in the group's allowed list and its kwargs must satisfy the plan's
// parameter schema, an instruction must be one the manager supports.
func (r *Registry) ValidateItem(item types.Item) error {
	if item.User == "" {
		return fmt.Errorf("user name is not specified")
	}
	if item.UserGroup == "" {
		return fmt.Errorf("user group is not specified")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.cfg.groups[item.UserGroup]
	if !ok {
		return fmt.Errorf("Unknown user group: '%s'", item.UserGroup)
	}

	switch item.ItemType {
	case types.ItemTypeInstruction:
		if item.Name != types.InstructionQueueStop {
			return fmt.Errorf("Unsupported instruction: '%s'", item.Name)
		}
		return nil
	case types.ItemTypePlan:
	default:
		return fmt.Errorf("Unsupported item type: '%s'", item.ItemType)
	}

	if _, ok := r.cfg.plans[item.Name]; !ok || !group.planAllowed(item.Name) {
		return fmt.Errorf("Plan '%s' is not in the list of allowed plans", item.Name)
	}

	if sch, ok := r.cfg.schemas[item.Name]; ok {
		kwargs := item.Kwargs
		if kwargs == nil {
			kwargs = map[string]interface{}{}
		}
		instance, err := toJSONValue(kwargs)
		if err != nil {
			return fmt.Errorf("Plan validation failed: %v", err)
		}
		if err := sch.Validate(instance); err != nil {
			return fmt.Errorf("Plan validation failed: %v", err)
		}
	}
	return nil
}

// toJSONValue round-trips a value through JSON so that the validator sees
// JSON types regardless of how the value was decoded
func toJSONValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
