package model

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const (
	// FileExt is the single-file model resource form.
	FileExt = ".cue"
	// BundleExt is the directory form; every .cue file inside is unified.
	BundleExt = ".cued"
)

// ErrNotFound is returned when no resource exists for a model name.
var ErrNotFound = errors.New("model resource not found")

// Resolve locates the resource for name inside dir. The exact file
// `<name>.cue` wins over the bundle directory `<name>.cued`. A name that
// already carries one of the extensions is accepted.
func Resolve(dir, name string) (string, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(name, FileExt), BundleExt)

	candidates := []struct {
		path  string
		isDir bool
	}{
		{filepath.Join(dir, base+FileExt), false},
		{filepath.Join(dir, base+BundleExt), true},
	}

	for _, c := range candidates {
		info, err := os.Stat(c.path)
		if err != nil {
			continue
		}
		if info.IsDir() == c.isDir {
			return c.path, nil
		}
	}

	return "", fmt.Errorf("%w: %s in %s", ErrNotFound, base, dir)
}

// Load resolves and compiles the named model.
func Load(dir, name string) (*Model, error) {
	path, err := Resolve(dir, name)
	if err != nil {
		return nil, err
	}

	v, err := loadValue(path)
	if err != nil {
		return nil, err
	}

	m, err := Compile(modelName(name), v)
	if err != nil {
		return nil, fmt.Errorf("compile model %s: %w", path, err)
	}
	m.Source = path
	return m, nil
}

// LoadOrEmpty is Load with the fallback used at store-open time: a model
// that cannot be located yields the empty model. A model that exists but
// fails to compile is still an error.
func LoadOrEmpty(dir, name string) (*Model, error) {
	m, err := Load(dir, name)
	if errors.Is(err, ErrNotFound) {
		slog.Warn("model resource not found, using empty model",
			"model", name,
			"dir", dir,
		)
		return Empty(modelName(name)), nil
	}
	return m, err
}

func modelName(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(filepath.Base(name), FileExt), BundleExt)
}

func loadValue(path string) (cue.Value, error) {
	ctx := cuecontext.New()

	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("stat model: %w", err)
	}

	if !info.IsDir() {
		return compileFile(ctx, path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("read model bundle: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == FileExt {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	slices.Sort(files)

	if len(files) == 0 {
		return cue.Value{}, &CompileError{Field: "bundle", Message: fmt.Sprintf("no %s files in %s", FileExt, path)}
	}

	var unified cue.Value
	for i, file := range files {
		v, err := compileFile(ctx, file)
		if err != nil {
			return cue.Value{}, err
		}
		if i == 0 {
			unified = v
			continue
		}
		unified = unified.Unify(v)
	}

	if err := unified.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return unified, nil
}

func compileFile(ctx *cue.Context, path string) (cue.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("read model: %w", err)
	}
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return v, nil
}
