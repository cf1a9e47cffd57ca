package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/buildkite/cleanbuild/internal/paths"
	"github.com/dustin/go-humanize"
)

// StatusCommand lists VM run directories. A directory outliving its build
// means the instance was not torn down; the next build with the same
// instance name evicts it.
type StatusCommand struct{}

var runBaseDir = paths.RunBaseDir

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	baseDir, err := runBaseDir()
	if err != nil {
		return fmt.Errorf("resolve run base directory: %w", err)
	}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_, werr := fmt.Fprintf(ctx.Stdout, "no instances found (%s does not exist)\n", baseDir)
			return werr
		}
		return err
	}

	var found int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if found == 0 {
			if _, err := fmt.Fprintf(ctx.Stdout, "instances in %s:\n", baseDir); err != nil {
				return err
			}
		}
		found++
		if _, err := fmt.Fprintf(ctx.Stdout, "- %s (updated %s)\n", entry.Name(), humanize.Time(info.ModTime())); err != nil {
			return err
		}
	}
	if found == 0 {
		_, err := fmt.Fprintf(ctx.Stdout, "no instances found in %s\n", baseDir)
		return err
	}
	return nil
}
