package util

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteJSONFile marshals data with two-space indentation and writes it to
// path atomically, via a temporary file in the same directory renamed over
// the target. Parent directories are created as needed.
func WriteJSONFile(path string, data interface{}) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshalling data")
	}

	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating directory '%s'", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(out); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing '%s'", tmp.Name())
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing '%s'", tmp.Name())
	}

	return errors.Wrapf(os.Rename(tmp.Name(), path), "replacing '%s'", path)
}

// ReadJSONFile unmarshals the file at path into data. A missing file is an
// error; callers that treat absence as empty should check existence first.
func ReadJSONFile(path string, data interface{}) error {
	in, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading '%s'", path)
	}
	return errors.Wrapf(json.Unmarshal(in, data), "parsing '%s'", path)
}
