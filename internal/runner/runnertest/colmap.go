package runnertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sfmbatch/internal/runner"
)

// Toolchain imitates the filesystem effects of the reconstruction and
// image-processing binaries so pipeline stages can be exercised without them.
// Databases are plain text files listing the image names they contain.
type Toolchain struct {
	// Fail returns a non-zero exit code for commands that should fail.
	Fail func(cmd runner.Command) int
	// NoModel reports mapper output paths that should stay empty.
	NoModel func(outputPath string) bool
}

// Handler adapts the toolchain to Executor.Handler.
func (tc *Toolchain) Handler() HandlerFunc {
	return func(ctx context.Context, cmd runner.Command) (int, error) {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		if tc.Fail != nil {
			if code := tc.Fail(cmd); code != 0 {
				return code, nil
			}
		}
		if len(cmd.Args) == 0 {
			return 0, nil
		}
		var err error
		switch cmd.Args[0] {
		case "feature_extractor":
			err = extract(cmd)
		case "mapper":
			err = mapper(cmd, tc.NoModel)
		case "database_merger":
			err = merge(cmd)
		case "image_undistorter":
			err = undistort(cmd)
		case "mogrify":
			err = mogrify(cmd)
		}
		if err != nil {
			return 1, err
		}
		return 0, nil
	}
}

func extract(cmd runner.Command) error {
	db, _ := Flag(cmd, "--database_path")
	dir, _ := Flag(cmd, "--image_path")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg" || ext == ".png") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return os.WriteFile(db, []byte(strings.Join(names, "\n")+"\n"), 0o644)
}

func mapper(cmd runner.Command, noModel func(string) bool) error {
	out, _ := Flag(cmd, "--output_path")
	if noModel != nil && noModel(out) {
		return os.MkdirAll(out, 0o755)
	}
	model := filepath.Join(out, "0")
	if err := os.MkdirAll(model, 0o755); err != nil {
		return err
	}
	for _, f := range []string{"cameras.bin", "images.bin", "points3D.bin"} {
		if err := os.WriteFile(filepath.Join(model, f), []byte(f), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func merge(cmd runner.Command) error {
	a, _ := Flag(cmd, "--database_path1")
	b, _ := Flag(cmd, "--database_path2")
	out, _ := Flag(cmd, "--merged_database_path")
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("merged database %s already exists", out)
	}
	da, err := os.ReadFile(a)
	if err != nil {
		return err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append(da, db...), 0o644)
}

func undistort(cmd runner.Command) error {
	in, _ := Flag(cmd, "--image_path")
	out, _ := Flag(cmd, "--output_path")
	images := filepath.Join(out, "images")
	if err := os.MkdirAll(images, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(in)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(in, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(images, e.Name()), data, 0o644); err != nil {
			return err
		}
	}
	sparse := filepath.Join(out, "sparse")
	if err := os.MkdirAll(sparse, 0o755); err != nil {
		return err
	}
	for _, f := range []string{"cameras.bin", "images.bin", "points3D.bin"} {
		if err := os.WriteFile(filepath.Join(sparse, f), []byte(f), 0o644); err != nil {
			return err
		}
	}
	return os.MkdirAll(filepath.Join(out, "stereo"), 0o755)
}

// mogrify appends "|<percentage>" to the file so compounding is detectable.
func mogrify(cmd runner.Command) error {
	if len(cmd.Args) < 4 {
		return nil
	}
	pct, file := cmd.Args[2], cmd.Args[3]
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return os.WriteFile(file, append(data, []byte("|"+pct)...), 0o644)
}
