package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"change-events/internal/config"
	"change-events/internal/models"
)

// ErrRecordRejected is returned when a transform script drops a record by
// returning null or undefined
var ErrRecordRejected = errors.New("record rejected by transformer")

// Transformer reshapes change records before they are diffed, either with a
// JavaScript function or with YAML field rules
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	jsScript string // Cached script content
}

// RuleMatcher applies one field rule to records of matching tables
type RuleMatcher struct {
	table   glob.Glob // nil matches all tables
	include map[string]bool
	exclude map[string]bool
	rename  map[string]string
}

// NewTransformer creates a transformer for cfg. A nil or disabled config
// yields a transformer that passes records through untouched.
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger) (*Transformer, error) {
	transformer := &Transformer{
		config: cfg,
		logger: logger,
		rules:  []*RuleMatcher{},
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if err := validateScript(string(scriptContent)); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		transformer.jsScript = string(scriptContent)
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for i, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			include: make(map[string]bool),
			exclude: make(map[string]bool),
			rename:  make(map[string]string),
		}
		if rule.Table != "" {
			g, err := glob.Compile(rule.Table)
			if err != nil {
				return nil, fmt.Errorf("processor rule %d: invalid table pattern %q: %w", i, rule.Table, err)
			}
			matcher.table = g
		}
		for _, field := range rule.Include {
			matcher.include[strings.ToLower(field)] = true
		}
		for _, field := range rule.Exclude {
			matcher.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		transformer.rules = append(transformer.rules, matcher)
	}

	return transformer, nil
}

// Transform applies the configured transformation to record
func (t *Transformer) Transform(record models.ChangeRecord) (models.ChangeRecord, error) {
	if t.config == nil || !t.config.Enabled {
		return record, nil
	}
	if t.jsScript != "" {
		return t.transformWithJavaScript(record)
	}
	if len(t.rules) > 0 {
		return t.transformWithRules(record), nil
	}
	return record, nil
}

// lookupTransform finds the transform function in a script evaluated by vm:
// either the script's own value or a global named transform
func lookupTransform(vm *goja.Runtime, result goja.Value) (goja.Callable, bool) {
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, true
		}
	}
	named := vm.Get("transform")
	if named == nil || goja.IsUndefined(named) || goja.IsNull(named) {
		return nil, false
	}
	return goja.AssertFunction(named)
}

func validateScript(script string) error {
	vm := goja.New()
	result, err := vm.RunString(script)
	if err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	if _, ok := lookupTransform(vm, result); !ok {
		return fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
	}
	return nil
}

// transformWithJavaScript passes the record through the script. The result is
// serialized inside the VM so image key order survives the round trip.
func (t *Transformer) transformWithJavaScript(record models.ChangeRecord) (models.ChangeRecord, error) {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return record, fmt.Errorf("failed to marshal record to JSON: %w", err)
	}

	// goja.Runtime is not thread-safe, so each record gets its own
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return record, fmt.Errorf("failed to setup console bindings: %w", err)
	}

	scriptResult, err := vm.RunString(t.jsScript)
	if err != nil {
		return record, fmt.Errorf("failed to execute JavaScript script: %w", err)
	}
	callable, ok := lookupTransform(vm, scriptResult)
	if !ok {
		return record, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
	}

	jsonObj, ok := vm.Get("JSON").(*goja.Object)
	if !ok {
		return record, fmt.Errorf("JSON global unavailable in script runtime")
	}
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	recordObj, err := parse(jsonObj, vm.ToValue(string(recordJSON)))
	if err != nil {
		return record, fmt.Errorf("failed to parse record JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), recordObj)
	if err != nil {
		return record, fmt.Errorf("JavaScript transform function error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Record %s rejected by JavaScript transformer (table: %s)", record.ID, record.Table)
		return record, ErrRecordRejected
	}

	resultJSON, err := stringify(jsonObj, result)
	if err != nil {
		return record, fmt.Errorf("failed to serialize transform result: %w", err)
	}

	var transformed models.ChangeRecord
	if err := json.Unmarshal([]byte(resultJSON.String()), &transformed); err != nil {
		return record, fmt.Errorf("failed to unmarshal transform result: %w", err)
	}
	return transformed, nil
}

// transformWithRules applies the first rule matching the record's table
func (t *Transformer) transformWithRules(record models.ChangeRecord) models.ChangeRecord {
	for _, rule := range t.rules {
		if rule.matches(record.Table) {
			record.Before = rule.apply(record.Before)
			record.After = rule.apply(record.After)
			return record
		}
	}
	return record
}

func (r *RuleMatcher) matches(table string) bool {
	return r.table == nil || r.table.Match(table)
}

// apply returns a new image with the rule's include, exclude and rename applied
func (r *RuleMatcher) apply(img models.Image) models.Image {
	if img == nil {
		return nil
	}
	out := models.NewImageBuilder(len(img))
	for _, f := range img {
		key := strings.ToLower(f.Name)
		if len(r.exclude) > 0 && r.exclude[key] {
			continue
		}
		if len(r.include) > 0 && !r.include[key] {
			continue
		}
		name := f.Name
		if renamed, ok := r.rename[key]; ok {
			name = renamed
		}
		out.Set(name, f.Value)
	}
	return out.Image()
}

// setupConsoleBindings routes console.* calls in scripts to the logger
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}
	bind := func(logFn func(args ...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
	}

	methods := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range methods {
		if err := consoleObj.Set(name, bind(logFn)); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}
