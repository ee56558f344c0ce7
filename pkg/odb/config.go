package odb

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/pp0001/libgit2/pkg/object"
)

// Options are the database's tunables. Delta chain depth and the builder
// window are policy, not protocol constants, so they live in configuration.
type Options struct {
	// Format names the id algorithm: "sha1" or "sha256".
	Format string `toml:"format"`
	// MaxDeltaDepth bounds delta chains on both read and write.
	MaxDeltaDepth int `toml:"max_delta_depth"`
	// DeltaWindow bounds the pack builder's base-candidate window.
	DeltaWindow int `toml:"delta_window"`
	// CacheSize bounds the frontend's decoded-object cache (entries).
	CacheSize int `toml:"cache_size"`
	// BaseCacheSize bounds each pack reader's resolved-base cache.
	BaseCacheSize int `toml:"base_cache_size"`
}

// DefaultOptions returns the defaults used when no config file exists.
func DefaultOptions() Options {
	return Options{
		Format:        "sha1",
		MaxDeltaDepth: object.DefaultMaxDeltaDepth,
		DeltaWindow:   object.DefaultDeltaWindow,
		CacheSize:     512,
		BaseCacheSize: object.DefaultBaseCacheSize,
	}
}

// ObjectFormat resolves the configured format name.
func (o Options) ObjectFormat() (object.Format, error) {
	switch o.Format {
	case "", "sha1":
		return object.FormatSHA1, nil
	case "sha256":
		return object.FormatSHA256, nil
	default:
		return 0, fmt.Errorf("unknown object format %q", o.Format)
	}
}

func (o Options) packOptions() object.PackOptions {
	return object.PackOptions{
		MaxDeltaDepth: o.MaxDeltaDepth,
		BaseCacheSize: o.BaseCacheSize,
	}
}

func (o Options) builderOptions() object.BuilderOptions {
	return object.BuilderOptions{
		Window:   o.DeltaWindow,
		MaxDepth: o.MaxDeltaDepth,
	}
}

// LoadOptions reads a TOML options file. A missing file yields defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultOptions(), nil
		}
		return Options{}, fmt.Errorf("load options %s: %w", path, err)
	}
	if _, err := opts.ObjectFormat(); err != nil {
		return Options{}, fmt.Errorf("load options %s: %w", path, err)
	}
	return opts, nil
}

// SaveOptions atomically writes the options file: temp file in the same
// directory, then rename.
func SaveOptions(path string, opts Options) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(opts); err != nil {
		return fmt.Errorf("save options: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".options-tmp-*")
	if err != nil {
		return wrapIO("save options tmpfile", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return wrapIO("save options write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return wrapIO("save options close", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return wrapIO("save options rename", err)
	}
	return nil
}
