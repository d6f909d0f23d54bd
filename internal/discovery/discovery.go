// Package discovery lists the images currently running.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/CZERTAINLY/Lookout/internal/model"
	"github.com/CZERTAINLY/Lookout/internal/service"
)

// Static is a fixed list of images.
type Static []string

func (s Static) List(context.Context) ([]string, error) {
	return normalizeAll(s), nil
}

// Command lists images printed one per line by an external command, e.g.
// docker service ls --format '{{.Image}}'.
type Command struct {
	exec service.Executor
	cmd  service.Command
}

func NewCommand(exec service.Executor, cmd service.Command) Command {
	return Command{exec: exec, cmd: cmd}
}

func (c Command) List(ctx context.Context) ([]string, error) {
	res := c.exec.Exec(ctx, c.cmd)
	if res.Err != nil {
		return nil, fmt.Errorf("running %s: %w", c.cmd.Path, res.Err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("running %s: exit code %d: %s", c.cmd.Path, res.ExitCode, strings.Join(res.Stderr, "\n"))
	}
	return normalizeAll(strings.Split(string(res.Stdout), "\n")), nil
}

// FromConfig returns the lister for the configured discovery mode, nil for
// mode none.
func FromConfig(cfg model.Discovery, exec service.Executor) (service.Lister, error) {
	switch cfg.Mode {
	case model.DiscoveryNone:
		return nil, nil
	case model.DiscoveryStatic:
		return Static(cfg.Images), nil
	case model.DiscoveryCommand:
		if cfg.Command == nil {
			return nil, fmt.Errorf("%w: discovery.command is not set", model.ErrInvalidConfig)
		}
		return NewCommand(exec, service.CommandFromConfig(*cfg.Command)), nil
	case model.DiscoveryKubernetes:
		client, err := NewClient(cfg.InCluster, cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return NewKubernetes(client, cfg.Namespace, cfg.LabelSelector, cfg.Digests), nil
	default:
		return nil, fmt.Errorf("%w: unknown discovery mode %q", model.ErrInvalidConfig, cfg.Mode)
	}
}

// Normalize turns a container image reference into name:tag[@digest]. A
// missing tag becomes latest. Digest only references can't be expressed and
// are reported as not ok.
func Normalize(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	base, digest, hasDigest := strings.Cut(ref, "@")
	tag, err := name.NewTag(base)
	if err != nil {
		return "", false
	}
	explicit := strings.HasSuffix(base, ":"+tag.TagStr())
	if hasDigest {
		if !explicit {
			return "", false
		}
		if _, err := name.NewDigest(ref); err != nil {
			return "", false
		}
	}

	image := strings.TrimSuffix(base, ":"+tag.TagStr()) + ":" + tag.TagStr()
	if hasDigest {
		image += "@" + digest
	}
	return image, true
}

// normalizeAll returns sorted unique images.
func normalizeAll(refs []string) []string {
	images := make([]string, 0, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		image, ok := Normalize(ref)
		if !ok {
			slog.Debug("skipping image reference", "ref", ref)
			continue
		}
		images = append(images, image)
	}
	slices.Sort(images)
	return slices.Compact(images)
}
