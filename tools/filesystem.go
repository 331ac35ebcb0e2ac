package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/m4xw311/agentloop/config"
	"github.com/m4xw311/agentloop/errors"
)

type ReadFileInput struct {
	Path string `json:"path" validate:"required" jsonschema_description:"Path of the file to read."`
}

type WriteFileInput struct {
	Path    string `json:"path" validate:"required" jsonschema_description:"Path of the file to write."`
	Content string `json:"content" jsonschema_description:"Full new content of the file."`
}

type ListDirInput struct {
	Path string `json:"path,omitempty" jsonschema_description:"Directory to list, defaults to the current directory."`
}

// fsGuard applies the hidden and read-only rules of the configuration.
type fsGuard struct {
	access *config.FilesystemAccess
}

func (g fsGuard) checkVisible(path string) error {
	hidden, err := isPathRestricted(path, g.access.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	return nil
}

func (g fsGuard) checkWritable(path string) error {
	if err := g.checkVisible(path); err != nil {
		return err
	}
	readOnly, err := isPathRestricted(path, g.access.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}

func NewReadFileTool(access *config.FilesystemAccess) Tool {
	g := fsGuard{access: access}
	return NewTyped("read_file", "Reads the entire content of a file.",
		func(ctx context.Context, in ReadFileInput) (Result, error) {
			if err := g.checkVisible(in.Path); err != nil {
				return Result{}, err
			}
			content, err := os.ReadFile(in.Path)
			if err != nil {
				return Result{}, errors.Wrapf(err, "failed to read file '%s'", in.Path)
			}
			return Result{Content: string(content)}, nil
		})
}

func NewWriteFileTool(access *config.FilesystemAccess) Tool {
	g := fsGuard{access: access}
	return NewTyped("write_file", "Writes content to a file, replacing it entirely.",
		func(ctx context.Context, in WriteFileInput) (Result, error) {
			if err := g.checkWritable(in.Path); err != nil {
				return Result{}, err
			}
			if err := os.WriteFile(in.Path, []byte(in.Content), 0644); err != nil {
				return Result{}, errors.Wrapf(err, "failed to write to file '%s'", in.Path)
			}
			return Result{Content: fmt.Sprintf("Successfully wrote %d bytes to %s", len(in.Content), in.Path)}, nil
		})
}

func NewListDirTool(access *config.FilesystemAccess) Tool {
	g := fsGuard{access: access}
	return NewTyped("list_dir", "Lists the entries of a directory. Directories end with '/'.",
		func(ctx context.Context, in ListDirInput) (Result, error) {
			dir := in.Path
			if dir == "" {
				dir = "."
			}
			if err := g.checkVisible(dir); err != nil {
				return Result{}, err
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return Result{}, errors.Wrapf(err, "failed to list directory '%s'", dir)
			}

			var names []string
			for _, e := range entries {
				rel := e.Name()
				if dir != "." {
					rel = strings.TrimSuffix(dir, "/") + "/" + rel
				}
				if hidden, _ := isPathRestricted(rel, g.access.Hidden); hidden {
					continue
				}
				if e.IsDir() {
					names = append(names, e.Name()+"/")
				} else {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			return Result{Content: strings.Join(names, "\n")}, nil
		})
}
