// Package build fingerprints build contexts and runs image builds.
package build

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	corebuild "github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	digest "github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// IgnoreFile is the name of the exclusion list at the context root.
const IgnoreFile = ".dockerignore"

// ExternalRecipe is the archive name given to a Dockerfile that lives
// outside its build context.
const ExternalRecipe = ".dockyard.Dockerfile"

// contextFile is one regular file included in a build context.
type contextFile struct {
	rel  string // slash-separated path relative to the context root
	path string
	info os.FileInfo
}

// recipePath resolves dockerfile against dir. It returns the recipe's
// slash-separated path inside the context, or "" when it lies outside.
func recipePath(dir, dockerfile string) (abs, rel string) {
	if dockerfile == "" {
		dockerfile = manifest.DefaultDockerfile
	}
	abs = dockerfile
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(dir, dockerfile)
	}
	r, err := filepath.Rel(dir, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return abs, ""
	}
	return abs, filepath.ToSlash(r)
}

// walkContext lists the regular files of a build context, sorted by relative
// path, skipping paths excluded by the context's .dockerignore. The recipe
// and the ignore file are always kept. It returns the recipe's name within
// the listing.
func walkContext(fs afero.Fs, dir, dockerfile string) ([]contextFile, string, error) {
	info, err := fs.Stat(dir)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", corebuild.ErrContextUnreadable, err)
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("%w: %s is not a directory", corebuild.ErrContextUnreadable, dir)
	}

	matcher, err := loadIgnore(fs, dir)
	if err != nil {
		return nil, "", err
	}

	recipeAbs, recipe := recipePath(dir, dockerfile)
	kept := func(rel string) bool { return rel == recipe || rel == IgnoreFile }

	var files []contextFile
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if matcher != nil && !kept(rel) {
			excluded, err := matcher.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			if excluded {
				if fi.IsDir() && !matcher.Exclusions() && !strings.HasPrefix(recipe, rel+"/") {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if fi.Mode().IsRegular() {
			files = append(files, contextFile{rel: rel, path: path, info: fi})
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", corebuild.ErrContextUnreadable, err)
	}

	if recipe == "" {
		recipe = ExternalRecipe
		fi, err := fs.Stat(recipeAbs)
		if err != nil {
			return nil, "", fmt.Errorf("%w: recipe %s: %v", corebuild.ErrContextUnreadable, recipeAbs, err)
		}
		if fi.Mode().IsRegular() {
			files = append(files, contextFile{rel: recipe, path: recipeAbs, info: fi})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, recipe, nil
}

func loadIgnore(fs afero.Fs, dir string) (*patternmatcher.PatternMatcher, error) {
	f, err := fs.Open(filepath.Join(dir, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", corebuild.ErrContextUnreadable, err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", corebuild.ErrContextUnreadable, IgnoreFile, err)
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", corebuild.ErrContextUnreadable, IgnoreFile, err)
	}
	return matcher, nil
}

// Fingerprint computes the content digest of a build context and its
// recipe. The digest covers the sorted relative path, permission bits and
// content of every included regular file, so renames and mode changes count
// as changes.
func Fingerprint(fs afero.Fs, dir, dockerfile string) (digest.Digest, error) {
	files, _, err := walkContext(fs, dir, dockerfile)
	if err != nil {
		return "", err
	}

	digester := digest.SHA256.Digester()
	h := digester.Hash()
	for _, f := range files {
		header := f.rel + "\x00" + strconv.FormatUint(uint64(f.info.Mode().Perm()), 8) + "\x00" + strconv.FormatInt(f.info.Size(), 10) + "\x00"
		if _, err := io.WriteString(h, header); err != nil {
			return "", err
		}
		if err := copyFile(h, fs, f.path); err != nil {
			return "", fmt.Errorf("%w: %v", corebuild.ErrContextUnreadable, err)
		}
	}

	return digester.Digest(), nil
}

// Archive tars the included files of a build context for the Engine API and
// returns the recipe's name inside the archive.
func Archive(fs afero.Fs, dir, dockerfile string) (io.Reader, string, error) {
	files, recipe, err := walkContext(fs, dir, dockerfile)
	if err != nil {
		return nil, "", err
	}

	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	for _, f := range files {
		header, err := tar.FileInfoHeader(f.info, "")
		if err != nil {
			return nil, "", err
		}
		header.Name = f.rel
		if err := tw.WriteHeader(header); err != nil {
			return nil, "", err
		}
		if err := copyFile(tw, fs, f.path); err != nil {
			return nil, "", fmt.Errorf("%w: %v", corebuild.ErrContextUnreadable, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", err
	}

	return buf, recipe, nil
}

func copyFile(w io.Writer, fs afero.Fs, path string) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
