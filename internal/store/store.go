// Package store keeps scan results on the filesystem. A record is a file named
// after the image key; failures use the ".error" suffix. The presence of either
// file marks the image as scanned.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/CZERTAINLY/Lookout/internal/model"
)

const failureSuffix = ".error"

var ErrNotFound = errors.New("record not found")

// Record is the content of a stored result.
type Record struct {
	Content []byte
	Failure bool
}

// Dir is a result store rooted in a single directory.
type Dir struct {
	root *os.Root
}

// Open creates the directory if needed and opens it as the store root.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("opening data dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Path() string {
	return d.root.Name()
}

func (d *Dir) Close() error {
	return d.root.Close()
}

// Exists reports whether a success or failure record is present.
func (d *Dir) Exists(image string) (bool, error) {
	key, err := recordKey(image)
	if err != nil {
		return false, err
	}
	ok, err := d.present(key + failureSuffix)
	if err != nil || ok {
		return ok, err
	}
	return d.present(key)
}

func (d *Dir) IsFailure(image string) (bool, error) {
	key, err := recordKey(image)
	if err != nil {
		return false, err
	}
	return d.present(key + failureSuffix)
}

// Read returns the failure record if there is one, the success record otherwise.
func (d *Dir) Read(image string) (Record, error) {
	key, err := recordKey(image)
	if err != nil {
		return Record{}, err
	}
	b, err := d.root.ReadFile(key + failureSuffix)
	switch {
	case err == nil:
		return Record{Content: b, Failure: true}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return Record{}, fmt.Errorf("reading failure record: %w", err)
	}

	b, err = d.root.ReadFile(key)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Record{}, ErrNotFound
	case err != nil:
		return Record{}, fmt.Errorf("reading record: %w", err)
	}
	return Record{Content: b}, nil
}

// WriteSuccess stores the scan report and drops a failure record, if any.
func (d *Dir) WriteSuccess(image string, payload []byte) error {
	key, err := recordKey(image)
	if err != nil {
		return err
	}
	if err := d.remove(key + failureSuffix); err != nil {
		return err
	}
	return d.write(key, payload)
}

// WriteFailure stores the diagnostic and drops a success record, if any.
func (d *Dir) WriteFailure(image string, diagnostic string) error {
	key, err := recordKey(image)
	if err != nil {
		return err
	}
	if err := d.remove(key); err != nil {
		return err
	}
	return d.write(key+failureSuffix, []byte(diagnostic))
}

// Delete removes both forms of the record. Malformed images are ignored.
func (d *Dir) Delete(image string) error {
	key, err := recordKey(image)
	if err != nil {
		return nil
	}
	return errors.Join(
		d.remove(key),
		d.remove(key+failureSuffix),
	)
}

func (d *Dir) present(name string) (bool, error) {
	_, err := d.root.Stat(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking record %s: %w", name, err)
	}
}

// write replaces name atomically, readers never see a partial record
func (d *Dir) write(name string, b []byte) error {
	tmp := "." + name + ".tmp"
	if err := d.root.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing record %s: %w", name, err)
	}
	if err := d.root.Rename(tmp, name); err != nil {
		_ = d.root.Remove(tmp)
		return fmt.Errorf("renaming record %s: %w", name, err)
	}
	return nil
}

func (d *Dir) remove(name string) error {
	err := d.root.Remove(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing record %s: %w", name, err)
	}
	return nil
}

func recordKey(image string) (string, error) {
	if !model.ValidImage(image) {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidImage, image)
	}
	return model.ImageKey(image), nil
}
