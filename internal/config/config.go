package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/casing"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "WARDEN_"

var durationType = reflect.TypeOf(time.Duration(0))

// An option is one field of an options struct and the places it can be set.
type option struct {
	value reflect.Value
	flag  string // as humacli names it
	toml  string // dotted path into the options file
	env   string // without EnvPrefix
}

// LoadConfig fills opts, a pointer to a humacli options struct, from the
// TOML file named by its Config field and from WARDEN_* environment
// variables. Precedence is CLI flag > environment > file > default: flags
// changed on cmd are left alone. Values that do not fit their field are
// skipped and reported together in the returned error.
func LoadConfig(opts any, cmd *cobra.Command) error {
	options, err := optionsOf(opts)
	if err != nil {
		return err
	}

	changed := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			changed[f.Name] = f.Changed
		})
	}

	var file map[string]any
	for _, o := range options {
		if o.flag == "config" && o.value.Kind() == reflect.String {
			if file, err = readOptionsFile(o.value.String()); err != nil {
				return err
			}
		}
	}

	var errs []error
	for _, o := range options {
		if changed[o.flag] {
			continue
		}
		if o.toml != "" {
			if raw := lookup(file, o.toml); raw != nil {
				if err := assign(o.value, raw); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", o.toml, err))
				}
			}
		}
		if o.env != "" {
			if raw := os.Getenv(EnvPrefix + o.env); raw != "" {
				if err := assignString(o.value, raw); err != nil {
					errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, o.env, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func optionsOf(opts any) ([]option, error) {
	v := reflect.ValueOf(opts)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("options must be a pointer to a struct, got %T", opts)
	}
	v = v.Elem()

	var options []option
	for i := range v.NumField() {
		field := v.Type().Field(i)
		if !field.IsExported() {
			continue
		}
		flag := field.Tag.Get("name")
		if flag == "" {
			flag = casing.Kebab(field.Name)
		}
		options = append(options, option{
			value: v.Field(i),
			flag:  flag,
			toml:  field.Tag.Get("toml"),
			env:   field.Tag.Get("env"),
		})
	}
	return options, nil
}

// readOptionsFile decodes path. A missing file is not an error.
func readOptionsFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(ExpandHome(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var file map[string]any
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return file, nil
}

// lookup follows a dotted path through nested tables.
func lookup(table map[string]any, path string) any {
	keys := strings.Split(path, ".")
	for _, key := range keys[:len(keys)-1] {
		next, ok := table[key].(map[string]any)
		if !ok {
			return nil
		}
		table = next
	}
	return table[keys[len(keys)-1]]
}

// assign stores a decoded TOML value. Durations accept strings such as
// "1m30s" and bare integers, which are seconds.
func assign(field reflect.Value, raw any) error {
	if field.Type() == durationType {
		switch d := raw.(type) {
		case string:
			return assignString(field, d)
		case int64:
			field.SetInt(int64(time.Duration(d) * time.Second))
			return nil
		}
		return fmt.Errorf("expected a duration, got %T", raw)
	}

	switch field.Kind() {
	case reflect.String:
		if s, ok := raw.(string); ok {
			field.SetString(s)
			return nil
		}
	case reflect.Bool:
		if b, ok := raw.(bool); ok {
			field.SetBool(b)
			return nil
		}
	case reflect.Int, reflect.Int64:
		if i, ok := raw.(int64); ok {
			field.SetInt(i)
			return nil
		}
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok || field.Type().Elem().Kind() != reflect.String {
			break
		}
		strs := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("item %d: expected a string, got %T", i, item)
			}
			strs[i] = s
		}
		field.Set(reflect.ValueOf(strs))
		return nil
	}
	return fmt.Errorf("cannot use %T for a %s option", raw, field.Type())
}

// assignString parses an environment value. Lists are comma separated.
func assignString(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported option type %s", field.Type())
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported option type %s", field.Type())
	}
	return nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
