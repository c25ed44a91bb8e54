package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"gopkg.in/yaml.v3"
)

// sectionExts is the lookup order for a section file. The first one found
// wins; the other is ignored.
var sectionExts = []string{".yaml", ".json"}

// LoadAppConfig overlays the section files found in dir onto the defaults.
// Each section lives in <dir>/<section>.yaml or <dir>/<section>.json;
// missing files leave the defaults untouched.
func LoadAppConfig(dir string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if dir == "" {
		return &cfg, nil
	}

	steps := []func() error{
		func() error { return loadSection(dir, "node", &cfg.Node, plain(RawNodeConfig.ToDomain)) },
		func() error { return loadSection(dir, "media", &cfg.Media, plain(RawMediaConfig.ToDomain)) },
		func() error { return loadSection(dir, "limits", &cfg.Limits, RawLimitsConfig.ToDomain) },
		func() error { return loadSection(dir, "admin", &cfg.Admin, RawAdminConfig.ToDomain) },
		func() error { return loadSection(dir, "log", &cfg.Log, plain(RawLogConfig.ToDomain)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func plain[R, D any](f func(R) D) func(R) (D, error) {
	return func(r R) (D, error) { return f(r), nil }
}

// loadSection decodes the raw section, converts it and merges the non-zero
// fields into dst.
func loadSection[R, D any](dir, name string, dst *D, toDomain func(R) (D, error)) error {
	var raw R
	found, err := decodeSection(dir, name, &raw)
	if err != nil || !found {
		return err
	}
	parsed, err := toDomain(raw)
	if err != nil {
		return err
	}
	mergeValues(reflect.ValueOf(dst).Elem(), reflect.ValueOf(parsed))
	return nil
}

func decodeSection(dir, name string, target any) (bool, error) {
	for _, ext := range sectionExts {
		path := filepath.Join(dir, name+ext)
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, err
		}
		defer f.Close()

		if ext == ".json" {
			err = json.NewDecoder(f).Decode(target)
		} else {
			err = yaml.NewDecoder(f).Decode(target)
		}
		if errors.Is(err, io.EOF) {
			slog.Warn("config file is empty, using defaults", "file", path)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%s: %w", path, err)
		}
		return true, nil
	}
	return false, nil
}

// mergeValues copies every set field of src over dst. Nested structs merge
// field by field, empty slices and zero scalars are skipped.
func mergeValues(dst, src reflect.Value) {
	for i := range src.NumField() {
		from, to := src.Field(i), dst.Field(i)
		switch from.Kind() {
		case reflect.Struct:
			mergeValues(to, from)
		case reflect.Slice:
			if from.Len() > 0 {
				to.Set(from)
			}
		default:
			if !from.IsZero() {
				to.Set(from)
			}
		}
	}
}
