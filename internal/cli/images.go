package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buildkite/cleanbuild/internal/imagemgr"
	"github.com/buildkite/cleanbuild/internal/recipe"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

type ImagesCommand struct {
	List ImagesListCommand   `cmd:"" help:"List cached base images"`
	Rm   ImagesRemoveCommand `cmd:"" help:"Remove cached base images"`
}

type ImagesListCommand struct {
	JSON bool `help:"Print records as JSON"`
}

type ImagesRemoveCommand struct {
	Selector string `arg:"" help:"Digest, pinned reference, or the reference the image was pulled as"`
}

type imageStore interface {
	List(ctx context.Context) ([]imagemgr.Record, error)
	Remove(ctx context.Context, selector string) ([]imagemgr.Record, error)
}

var openImageStore = func() (imageStore, error) {
	arch, err := recipe.HostArch()
	if err != nil {
		return nil, err
	}
	return imagemgr.New(imagemgr.Options{Arch: arch.GoArch()})
}

func (c *ImagesListCommand) Run(ctx *runtimeContext) error {
	store, err := openImageStore()
	if err != nil {
		return err
	}
	records, err := store.List(context.Background())
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(ctx.Stdout, "no cached images")
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("DIGEST", "REF", "ARCH", "SIZE", "LAST USED")
	for _, record := range records {
		t.Row(
			shortDigest(record.Digest),
			record.Ref,
			record.Arch,
			humanize.IBytes(uint64(max(record.SizeBytes, 0))),
			humanize.Time(record.LastUsedAt),
		)
	}
	_, err = fmt.Fprintln(ctx.Stdout, t.String())
	return err
}

func (c *ImagesRemoveCommand) Run(ctx *runtimeContext) error {
	store, err := openImageStore()
	if err != nil {
		return err
	}
	removed, err := store.Remove(context.Background(), c.Selector)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return fmt.Errorf("no cached image matches %q", c.Selector)
	}
	for _, record := range removed {
		if _, err := fmt.Fprintf(ctx.Stdout, "removed %s (%s)\n", record.Digest, record.Ref); err != nil {
			return err
		}
	}
	return nil
}

func shortDigest(digest string) string {
	hex := strings.TrimPrefix(digest, "sha256:")
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return hex
}
