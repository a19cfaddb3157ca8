package machine

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"

	"github.com/matgreaves/wsrig/engine"
	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/spec"
)

// imageTag returns the deterministic tag of a machine image.
func imageTag(containerName string) string {
	return "wsrig/" + strings.ToLower(containerName)
}

// prepareImage builds or pulls the service image and tags it with tag.
func (s *Starter) prepareImage(ctx context.Context, machineName string, svc spec.ServiceConfig, tag string) error {
	if svc.HasBuild() {
		opts, err := buildOptions(svc, tag)
		if err != nil {
			return errdefs.Infrastructuref(err, "machine %q: prepare build context", machineName)
		}
		opts.Memory = svc.MemLimit
		opts.MemorySwap = s.Settings.memorySwap(svc.MemLimit)
		opts.ForcePull = s.Settings.ForcePull
		if err := s.Engine.BuildImage(ctx, opts); err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return errdefs.SourceNotFoundf(err, "machine %q: build source not found", machineName)
			}
			return errdefs.Infrastructuref(err, "machine %q: build image", machineName)
		}
		return nil
	}

	if svc.Image == "" {
		return errdefs.Validationf("machine %q has no image or build source", machineName)
	}

	pull, err := s.needsPull(ctx, svc.Image)
	if err != nil {
		return errdefs.Validationf("machine %q: invalid image %q: %v", machineName, svc.Image, err)
	}
	if pull {
		if err := s.Engine.PullImage(ctx, svc.Image); err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return errdefs.SourceNotFoundf(err, "machine %q: image %q not found, check the image name and registry access", machineName, svc.Image)
			}
			return errdefs.Infrastructuref(err, "machine %q: pull image %q", machineName, svc.Image)
		}
	}
	if err := s.Engine.TagImage(ctx, svc.Image, tag); err != nil {
		return errdefs.Infrastructuref(err, "machine %q: tag image %q", machineName, svc.Image)
	}
	return nil
}

// needsPull reports whether ref must be pulled. Pinned references (a tag
// other than latest and not a snapshot, or a digest) already present
// locally are reused unless ForcePull is set.
func (s *Starter) needsPull(ctx context.Context, ref string) (bool, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return false, err
	}
	if s.Settings.ForcePull {
		return true, nil
	}

	pinned := false
	if _, ok := named.(reference.Digested); ok {
		pinned = true
	} else if tagged, ok := named.(reference.Tagged); ok {
		tag := strings.ToLower(tagged.Tag())
		pinned = tag != "latest" && !strings.Contains(tag, "snapshot")
	}
	if !pinned {
		return true, nil
	}

	if _, err := s.Engine.InspectImage(ctx, ref); err != nil {
		return true, nil
	}
	return false, nil
}

// buildOptions describes a build from inline Dockerfile content, a local
// context directory, or a remote context URL.
func buildOptions(svc spec.ServiceConfig, tag string) (engine.BuildOptions, error) {
	b := svc.Build
	opts := engine.BuildOptions{
		Tag:        tag,
		Dockerfile: b.DockerfilePath,
		Args:       b.Args,
	}

	switch {
	case b.DockerfileContent != "":
		ctxTar, err := dockerfileContext(b.DockerfileContent)
		if err != nil {
			return engine.BuildOptions{}, err
		}
		opts.Context = ctxTar
		opts.Dockerfile = "Dockerfile"
	case isRemote(b.Context):
		opts.RemoteContext = b.Context
	default:
		ctxTar, err := dirContext(b.Context)
		if err != nil {
			return engine.BuildOptions{}, err
		}
		opts.Context = ctxTar
	}
	return opts, nil
}

func isRemote(context string) bool {
	for _, p := range []string{"http://", "https://", "git://", "git@", "github.com/"} {
		if strings.HasPrefix(context, p) {
			return true
		}
	}
	return false
}

// dockerfileContext returns a build context holding only a Dockerfile.
func dockerfileContext(content string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// dirContext archives a local build context directory.
func dirContext(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
