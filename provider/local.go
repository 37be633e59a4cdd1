package provider

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

var (
	_ Source      = (*LocalSource)(nil)
	_ Destination = (*LocalDestination)(nil)
)

// errChecksumMismatch is returned when content does not match its digest.
var errChecksumMismatch = errors.New("checksum mismatch")

// resolve maps a slash separated object name below basePath, refusing
// names that would escape it.
func resolve(basePath, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(basePath, filepath.FromSlash(clean)), nil
}

// LocalSource serves the files below a directory as a blob container.
// Listing is in ascending key order and the marker is the last key of the
// previous page. The local filesystem reports no content digest.
type LocalSource struct {
	basePath string
}

// NewLocalSource creates a new LocalSource rooted at basePath.
func NewLocalSource(basePath string) *LocalSource {
	return &LocalSource{basePath: basePath}
}

// List returns up to limit objects whose names sort after marker.
func (p *LocalSource) List(ctx context.Context, marker string, limit int) (Page, error) {
	objects, err := p.walk(ctx)
	if err != nil {
		return Page{}, newError("list", p.basePath, "", nil, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })

	start := sort.Search(len(objects), func(i int) bool { return objects[i].Name > marker })
	objects = objects[start:]

	var page Page
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
		page.NextMarker = objects[len(objects)-1].Name
	}
	page.Objects = objects
	return page, nil
}

// walk collects every regular file iteratively (stack-based) to avoid
// deep recursion on very deep trees.
func (p *LocalSource) walk(ctx context.Context) ([]Object, error) {
	var objects []Object
	stack := []string{""}

	for len(stack) > 0 {
		// Check for cancellation
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Pop item
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(filepath.Join(p.basePath, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			name := path.Join(rel, entry.Name())
			if entry.IsDir() {
				stack = append(stack, name)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue // skip files that disappeared between ReadDir and Info
			}
			objects = append(objects, Object{Name: name, Length: info.Size()})
		}
	}
	return objects, nil
}

// Fetch reads a whole file.
func (p *LocalSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath, err := resolve(p.basePath, name)
	if err != nil {
		return nil, newError("fetch", "", name, nil, err)
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, newError("fetch", "", name, ErrNotFound, err)
	}
	if err != nil {
		return nil, newError("fetch", "", name, nil, err)
	}
	return data, nil
}

// LocalDestination writes objects as files below a directory.
type LocalDestination struct {
	basePath string
}

// NewLocalDestination creates a new LocalDestination rooted at basePath.
func NewLocalDestination(basePath string) *LocalDestination {
	return &LocalDestination{basePath: basePath}
}

// Put verifies content against checksum, then writes it to a temporary file
// and renames it into place so readers never see a partial object.
func (p *LocalDestination) Put(ctx context.Context, name string, content []byte, checksum string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fullPath, err := resolve(p.basePath, name)
	if err != nil {
		return newError("put", "", name, nil, err)
	}

	sum := md5.Sum(content)
	if got := base64.StdEncoding.EncodeToString(sum[:]); got != checksum {
		return newError("put", "", name, nil, fmt.Errorf("%w: got %s, want %s", errChecksumMismatch, got, checksum))
	}

	// Create parent directories if they don't exist
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return newError("put", "", name, nil, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".blobshift-*")
	if err != nil {
		return newError("put", "", name, nil, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return newError("put", "", name, nil, err)
	}
	if err := tmp.Close(); err != nil {
		return newError("put", "", name, nil, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return newError("put", "", name, nil, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return newError("put", "", name, nil, err)
	}
	return nil
}
