// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline holds the command-line front-end helpers of vampnet: hyperparameter
// settings parsing and the generation progress display.
package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// SetDefaults sets every parameter of each of the given maps in the root scope of ctx.
// Parameters need a default before they can be parsed by ParseSettings.
func SetDefaults(ctx *context.Context, defaults ...map[string]any) {
	for _, params := range defaults {
		ctx.SetParams(params)
	}
}

// ParseSettings parses settings, typically the value of the flag created by CreateSettingsFlag,
// into ctx and returns the paths of the parameters set.
//
// Settings are separated by ";", each one formatted as "param=value". A scope can be given as an
// absolute path, e.g.: "/variation_1/maskgit_temperature=4". An entry "file:<path>" reads the
// settings from a file, one or more per line, where lines starting with "#" are ignored.
//
// All parameters must have a default value in the root scope of ctx, which defines the type the
// value is parsed to. For integers "_" can be used as separator, e.g. 16_000.
func ParseSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(ctx, setting, paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, ok := strings.CutPrefix(setting, "file:"); ok {
		return parseSettingsFile(ctx, filePath, paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return nil, errors.Errorf("can't parse setting %q: the format is \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return nil, errors.Errorf("can't set parameter %q: scopes must be absolute (start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return nil, errors.Errorf("unknown parameter %q in setting %q", paramName, setting)
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseSetting(ctx, setting, paramsSet)
			if err != nil {
				return nil, errors.WithMessagef(err, "in file %q", filePath)
			}
		}
	}
	return paramsSet, nil
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return unmarshalAs[int](strings.ReplaceAll(valueStr, "_", ""))
	case int64:
		return unmarshalAs[int64](strings.ReplaceAll(valueStr, "_", ""))
	case float64:
		return unmarshalAs[float64](valueStr)
	case bool:
		return unmarshalAs[bool](valueStr)
	case string:
		return valueStr, nil
	case []int:
		return parseList(valueStr, func(str string) (int, error) {
			return unmarshalAs[int](strings.ReplaceAll(str, "_", ""))
		})
	case []float64:
		return parseList(valueStr, unmarshalAs[float64])
	case []string:
		return parseList(valueStr, func(str string) (string, error) { return str, nil })
	default:
		return nil, errors.Errorf("don't know how to parse parameters of type %T", defaultValue)
	}
}

// parseList parses a comma-separated list, each element with parseFn.
func parseList[T any](valueStr string, parseFn func(string) (T, error)) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := parseFn(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func unmarshalAs[T any](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(valueStr), &v)
	return v, err
}

// CreateSettingsFlag creates a string flag with the given name ("set" if empty) whose usage lists
// the parameters defined in the root scope of ctx. It must be called before flag.Parse.
func CreateSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Hyperparameters, a list of "param=value" separated by ";". ` +
			`"file:<path>" reads the settings from a file, one or more per line. Available parameters:`,
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintModifiedSettings pretty-prints the values of the parameters set by ParseSettings, sorted
// and without repetitions.
func SprintModifiedSettings(ctx *context.Context, paramsSet []string) string {
	values := make(map[string]any, len(paramsSet))
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		if value, found := ctx.InAbsPath(paramScope).GetParam(paramName); found {
			values[paramPath] = value
		}
	}
	var parts []string
	for _, paramPath := range slices.Sorted(maps.Keys(values)) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, values[paramPath], values[paramPath]))
	}
	return strings.Join(parts, "\n")
}
