package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// TreeHash computes the content hash of a directory tree: SHA-256 over
// the walked relative paths, entry modes, and content digests, excluding
// .git metadata. Identical trees hash identically regardless of
// timestamps, which makes the hash usable for fairness and abort-safety
// checks.
func TreeHash(ctx context.Context, dir string) (string, error) {
	_, hash, err := buildManifest(ctx, dir)
	return hash, err
}

// buildManifest walks dir once, producing per-file content digests for
// regular files and the combined tree hash. Entries named .git are
// excluded at any depth. filepath.WalkDir visits entries in lexical
// order, so the combined hash is deterministic.
func buildManifest(ctx context.Context, dir string) (map[string]string, string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", err
	}

	manifest := make(map[string]string)
	tree := sha256.New()

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.Name() == ".git" && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		m := info.Mode()

		var digest string
		switch {
		case m.IsRegular():
			digest, err = fileDigest(path)
			if err != nil {
				return err
			}
			manifest[rel] = digest
		case m&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			sum := sha256.Sum256([]byte(link))
			digest = hex.EncodeToString(sum[:])
		case m.IsDir():
			digest = "dir"
		default:
			// Sockets, devices, and other irregular entries are not part
			// of an upgrade tree.
			return nil
		}

		fmt.Fprintf(tree, "%s\x00%s\x00%s\x00", rel, strconv.FormatUint(uint64(m), 8), digest)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return manifest, hex.EncodeToString(tree.Sum(nil)), nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyTree copies src into dst, preserving permissions and symlinks. skip,
// when non-nil, excludes entries by absolute path, base name, and kind.
// Returns the number of regular files copied.
func copyTree(ctx context.Context, src, dst string, skip func(path, name string, isDir bool) bool) (int, error) {
	srcRoot, err := filepath.Abs(src)
	if err != nil {
		return 0, err
	}
	srcInfo, err := os.Stat(srcRoot)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dst, 0o700); err != nil {
		return 0, err
	}
	if err := os.Chmod(dst, srcInfo.Mode().Perm()); err != nil {
		return 0, err
	}

	files := 0
	err = filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if path == srcRoot {
			return nil
		}
		if skip != nil && skip(path, d.Name(), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		m := info.Mode()

		switch {
		case m.IsDir():
			if err := os.MkdirAll(dstPath, 0o700); err != nil {
				return err
			}
			return os.Chmod(dstPath, m.Perm())
		case m.IsRegular():
			if err := copyFile(path, dstPath, m.Perm()); err != nil {
				return err
			}
			files++
			return nil
		case m&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, dstPath)
		default:
			return nil
		}
	})
	if err != nil {
		return files, err
	}
	return files, nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	// Chmod again: OpenFile perms are masked by umask.
	if err := out.Chmod(perm); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
